package shttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-log"
	"github.com/galdor/go-uuid"
)

type contextKey struct{}

var (
	contextKeyHandler contextKey = struct{}{}
)

var ErrRequestBodyTooLarge = errors.New("request body too large")

type Handler struct {
	Server *Server
	Log    *log.Logger

	Method      string
	PathPattern string
	RouteId     string // based on the method and path pattern

	Request        *http.Request
	Query          url.Values
	ResponseWriter *ResponseWriter

	ClientAddress string
	RequestId     string

	start         time.Time
	pathVariables map[string]string
}

func contextWithHandler(ctx context.Context, h *Handler) context.Context {
	return context.WithValue(ctx, contextKeyHandler, h)
}

func requestHandler(req *http.Request) *Handler {
	value := req.Context().Value(contextKeyHandler)
	if value == nil {
		return nil
	}

	return value.(*Handler)
}

func requestId(req *http.Request) string {
	if id := req.Header.Get("X-Request-Id"); id != "" {
		return id
	}

	return uuid.MustGenerate(uuid.V7).String()
}

func (h *Handler) PathVariable(name string) string {
	value, found := h.pathVariables[name]
	if !found {
		utils.Panicf("unknown path variable %q", name)
	}

	return value
}

func (h *Handler) RequestData() ([]byte, error) {
	maxSize := int64(h.Server.Cfg.MaxRequestBodySize)

	data, err := io.ReadAll(io.LimitReader(h.Request.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read request body: %w", err)
	}

	if int64(len(data)) > maxSize {
		return nil, ErrRequestBodyTooLarge
	}

	return data, nil
}

func (h *Handler) Reply(status int, r io.Reader) {
	h.ResponseWriter.WriteHeader(status)

	if r != nil {
		if _, err := io.Copy(h.ResponseWriter, r); err != nil {
			h.Log.Error("cannot write response: %v", err)
			return
		}
	}
}

func (h *Handler) ReplyEmpty(status int) {
	h.Reply(status, nil)
}

func (h *Handler) ReplyText(status int, body string) {
	header := h.ResponseWriter.Header()
	header.Set("Content-Type", "text/plain; charset=UTF-8")

	h.Reply(status, strings.NewReader(body))
}

func (h *Handler) ReplyJSON(status int, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		h.ReplyInternalError(500, "cannot encode json response: %v", err)
		return
	}

	header := h.ResponseWriter.Header()
	header.Set("Content-Type", "application/json")

	h.Reply(status, bytes.NewReader(data))
}

func (h *Handler) ReplyError(status int, code, format string, args ...interface{}) {
	h.ReplyErrorData(status, code, nil, format, args...)
}

func (h *Handler) ReplyErrorData(status int, code string, data ErrorData, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	h.Server.errorHandler(h, status, code, msg, data)
}

func (h *Handler) ReplyInternalError(status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	h.Log.Error("internal error: %s", msg)

	if h.Server.Cfg.HideInternalErrors {
		msg = "internal error"
	}

	h.ReplyError(status, "internal_error", "%s", msg)
}

func (h *Handler) logRequest() {
	req := h.Request
	w := h.ResponseWriter

	if !h.Server.Cfg.LogSuccessfulRequests {
		if w.Status >= 100 && w.Status < 400 {
			return
		}
	}

	reqTime := time.Since(h.start)

	data := log.Data{
		"time":          reqTime.Microseconds(),
		"response_size": w.ResponseBodySize,
	}

	statusString := "-"
	if w.Status != 0 {
		statusString = strconv.Itoa(w.Status)
		data["status"] = w.Status
	}

	h.Log.InfoData(data, "%s %s %s %s",
		req.Method, req.URL.Path, statusString,
		utils.FormatSeconds(reqTime.Seconds(), 1))
}

func (h *Handler) sendInfluxPoint() {
	dispatcher := h.Server.Cfg.Influx
	if dispatcher == nil || !h.Server.Cfg.RequestMetrics {
		return
	}

	w := h.ResponseWriter

	now := time.Now()
	reqTime := time.Since(h.start)

	route := h.RouteId
	if route == "" {
		route = UnmatchedRouteId
	}

	tags := influx.Tags{
		"server": h.Server.Cfg.Name,
		"route":  route,
	}

	fields := influx.Fields{
		"time":          influx.Integer(reqTime.Microseconds()),
		"status":        influx.Integer(int64(w.Status)),
		"response_size": influx.Integer(int64(w.ResponseBodySize)),
	}

	point := influx.NewPointWithTimestamp("incoming_http_requests",
		tags, fields, now)

	dispatcher.EnqueuePoint(point)
}
