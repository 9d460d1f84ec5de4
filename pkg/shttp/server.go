package shttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/julienschmidt/httprouter"
)

type RouteFunc func(*Handler)

type ErrorData interface{}
type ErrorHandler func(*Handler, int, string, string, ErrorData)

type ServerCfg struct {
	Log          *log.Logger        `json:"-"`
	ErrorChan    chan<- error       `json:"-"`
	Influx       *influx.Dispatcher `json:"-"`
	Name         string             `json:"-"`
	ErrorHandler ErrorHandler       `json:"-"`

	Address string `json:"address"`

	TLS *TLSServerCfg `json:"tls"`

	LogSuccessfulRequests bool `json:"log_successful_requests"`
	HideInternalErrors    bool `json:"hide_internal_errors"`
	RequestMetrics        bool `json:"request_metrics"`
	MaxRequestBodySize    int  `json:"max_request_body_size"` // bytes
}

type TLSServerCfg struct {
	Certificate string `json:"certificate"`
	PrivateKey  string `json:"private_key"`
}

type Server struct {
	Cfg ServerCfg
	Log *log.Logger

	server   *http.Server
	router   *httprouter.Router
	listener net.Listener

	errorHandler ErrorHandler

	errorChan chan<- error
	wg        sync.WaitGroup
}

func (cfg *ServerCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckOptionalObject("tls", cfg.TLS)

	if cfg.MaxRequestBodySize != 0 {
		v.CheckIntMin("max_request_body_size", cfg.MaxRequestBodySize, 1)
	}
}

func (cfg *TLSServerCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("certificate", cfg.Certificate)
	v.CheckStringNotEmpty("private_key", cfg.PrivateKey)
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("http_server")
	}

	if cfg.ErrorChan == nil {
		return nil, fmt.Errorf("missing error channel")
	}

	if cfg.Name == "" {
		return nil, fmt.Errorf("missing or empty server name")
	}

	if cfg.Address == "" {
		cfg.Address = "localhost:8000"
	}

	if cfg.MaxRequestBodySize == 0 {
		cfg.MaxRequestBodySize = 64 * 1024
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = AdaptativeErrorHandler
	}

	s := &Server{
		Cfg: cfg,
		Log: cfg.Log,

		errorHandler: cfg.ErrorHandler,

		errorChan: cfg.ErrorChan,
	}

	s.server = &http.Server{
		Addr:     cfg.Address,
		Handler:  s,
		ErrorLog: s.Log.StdLogger(log.LevelError),

		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       10 * time.Second,
	}

	if cfg.TLS != nil {
		s.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	s.router = httprouter.New()
	s.router.HandleMethodNotAllowed = true
	s.router.NotFound = http.HandlerFunc(s.hNotFound)
	s.router.MethodNotAllowed = http.HandlerFunc(s.hMethodNotAllowed)

	return s, nil
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Cfg.Address)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", s.Cfg.Address, err)
	}

	s.listener = listener

	s.Log.Info("listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var err error

		if s.Cfg.TLS == nil {
			err = s.server.Serve(listener)
		} else {
			certificate := s.Cfg.TLS.Certificate
			privateKey := s.Cfg.TLS.PrivateKey

			err = s.server.ServeTLS(listener, certificate, privateKey)
		}

		if err != nil && err != http.ErrServerClosed {
			s.Log.Error("cannot serve: %v", err)
			s.errorChan <- fmt.Errorf("http server initialization "+
				"failed: %w", err)
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, which is only known
// after Start when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.Cfg.Address
	}

	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	s.shutdown()
	s.wg.Wait()
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.Log.Error("cannot shutdown server: %v", err)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := &Handler{
		Server: s,
		Log:    s.Log,

		ResponseWriter: NewResponseWriter(w),
	}

	h.start = time.Now()
	h.Request = req.WithContext(contextWithHandler(req.Context(), h))

	defer h.sendInfluxPoint()
	defer h.logRequest()

	s.router.ServeHTTP(h.ResponseWriter, h.Request)
}

func (s *Server) Route(pathPattern, method string, routeFunc RouteFunc) {
	handle := func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		h := requestHandler(req)
		s.finalizeHandler(h, req, pathPattern, method)

		h.pathVariables = make(map[string]string, len(params))
		for _, p := range params {
			h.pathVariables[p.Key] = p.Value
		}

		defer func() {
			if v := recover(); v != nil {
				msg := utils.RecoverValueString(v)
				trace := utils.StackTrace(2, 20, true)

				h.ReplyInternalError(500, "panic: %s\n%s", msg, trace)
			}
		}()

		routeFunc(h)
	}

	s.router.Handle(method, pathPattern, handle)
}

func (s *Server) finalizeHandler(h *Handler, req *http.Request, pathPattern, method string) {
	h.Request = req
	h.Query = req.URL.Query()

	h.Method = method
	h.PathPattern = pathPattern
	h.RouteId = RouteId(method, pathPattern)

	h.ClientAddress = requestClientAddress(req)
	h.RequestId = requestId(req)

	h.Log = s.Log.Child("", log.Data{"request_id": h.RequestId})

	h.ResponseWriter.Header().Set("X-Request-Id", h.RequestId)
}

// UnmatchedRouteId identifies requests which did not match any route in
// request metrics.
const UnmatchedRouteId = "unmatched"

func RouteId(method, pathPattern string) string {
	if pathPattern == "" {
		return ""
	}

	return pathPattern + " " + method
}

func DefaultErrorHandler(h *Handler, status int, code string, msg string, data ErrorData) {
	h.ReplyText(status, code+": "+msg+"\n")
}

func JSONErrorHandler(h *Handler, status int, code string, msg string, data ErrorData) {
	responseData := JSONError{
		Code:    code,
		Message: msg,
		Data:    data,
	}

	h.ReplyJSON(status, &responseData)
}

func AdaptativeErrorHandler(h *Handler, status int, code string, msg string, data ErrorData) {
	var handler ErrorHandler

	if RequestAcceptsText(h.Request) {
		handler = DefaultErrorHandler
	} else {
		handler = JSONErrorHandler
	}

	handler(h, status, code, msg, data)
}

func (s *Server) hNotFound(w http.ResponseWriter, req *http.Request) {
	h := requestHandler(req)
	s.finalizeHandler(h, req, "", req.Method)

	h.ReplyError(404, "route_not_found", "http route not found")
}

func (s *Server) hMethodNotAllowed(w http.ResponseWriter, req *http.Request) {
	h := requestHandler(req)
	s.finalizeHandler(h, req, "", req.Method)

	h.ReplyError(405, "unhandled_method", "unhandled http method")
}

func requestClientAddress(req *http.Request) string {
	if v := req.Header.Get("X-Real-IP"); v != "" {
		return v
	} else if v := req.Header.Get("X-Forwarded-For"); v != "" {
		i := strings.Index(v, ", ")
		if i == -1 {
			return v
		}

		return v[:i]
	} else {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			return ""
		}

		return host
	}
}

func RequestAcceptsText(req *http.Request) bool {
	accept := req.Header.Get("Accept")
	if accept == "" {
		return false
	}

	mediaTypes := strings.Split(accept, ",")

	for _, mediaType := range mediaTypes {
		mediaType = strings.TrimSpace(mediaType)

		if strings.HasPrefix(mediaType, "text/") {
			return true
		}
	}

	return false
}
