package station

import (
	"errors"

	"github.com/flying7eleven/weather-station-backend/pkg/shttp"
	"github.com/galdor/go-log"
)

type API struct {
	Log     *log.Logger
	Backend *Backend
}

func NewAPI(backend *Backend) *API {
	return &API{
		Log:     backend.Log,
		Backend: backend,
	}
}

func (api *API) Register(server *shttp.Server) {
	server.Route("/v1/sensor/measurement", "POST", api.hPostMeasurement)
	server.Route("/v1/sensor/measurement/latest", "GET", api.hGetLatestMeasurements)
}

func (api *API) hPostMeasurement(h *shttp.Handler) {
	data, err := h.RequestData()
	if err != nil {
		if errors.Is(err, shttp.ErrRequestBodyTooLarge) {
			h.ReplyError(413, "request_body_too_large", "%v", err)
			return
		}

		h.ReplyError(400, "invalid_request_body", "%v", err)
		return
	}

	if _, err := api.Backend.HandleMeasurement(data); err != nil {
		switch {
		case errors.Is(err, ErrInvalidMeasurement):
			h.ReplyError(400, "invalid_measurement", "%v", err)
		case errors.Is(err, ErrUnknownSensor):
			h.ReplyError(403, "unknown_sensor", "%v", err)
		default:
			h.ReplyInternalError(500, "%v", err)
		}

		return
	}

	h.ReplyEmpty(204)
}

func (api *API) hGetLatestMeasurements(h *shttp.Handler) {
	h.ReplyJSON(200, api.Backend.LatestRecords())
}
