package shttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-log"
)

type RoundTripper struct {
	Cfg *ClientCfg
	Log *log.Logger

	http.RoundTripper
}

func NewRoundTripper(rt http.RoundTripper, cfg *ClientCfg) *RoundTripper {
	return &RoundTripper{
		Cfg: cfg,
		Log: cfg.Log,

		RoundTripper: rt,
	}
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	req = rt.finalizeReq(req)

	res, err := rt.RoundTripper.RoundTrip(req)

	if rt.Cfg.LogRequests {
		rt.logRequest(req, res, err, time.Since(start).Seconds())
	}

	return res, err
}

func (rt *RoundTripper) finalizeReq(req *http.Request) *http.Request {
	if len(rt.Cfg.Header) == 0 {
		return req
	}

	// Round trippers must not modify the request they were given.
	req = req.Clone(req.Context())

	for name, values := range rt.Cfg.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	return req
}

func (rt *RoundTripper) logRequest(req *http.Request, res *http.Response, err error, seconds float64) {
	uri := *req.URL
	uri.RawQuery = "" // may contain credentials

	if err != nil {
		rt.Log.Error("%s %s failed after %s: %v", req.Method, uri.String(),
			utils.FormatSeconds(seconds, 1), err)
		return
	}

	rt.Log.Info("%s %s %s %s", req.Method, uri.String(),
		strconv.Itoa(res.StatusCode), utils.FormatSeconds(seconds, 1))
}
