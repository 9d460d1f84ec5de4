package shttp

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	return newTestServerWithCfg(t, ServerCfg{})
}

func newTestServerWithCfg(t *testing.T, cfg ServerCfg) *Server {
	cfg.ErrorChan = make(chan error, 1)
	cfg.Name = "test"
	cfg.Address = "127.0.0.1:0"
	cfg.MaxRequestBodySize = 16

	server, err := NewServer(cfg)
	require.NoError(t, err)

	server.Route("/echo/:name", "POST", func(h *Handler) {
		data, err := h.RequestData()
		if err != nil {
			h.ReplyError(413, "invalid_body", "%v", err)
			return
		}

		h.ReplyText(200, h.PathVariable("name")+":"+string(data))
	})

	server.Route("/panic", "GET", func(h *Handler) {
		panic("boom")
	})

	server.Route("/panic/percent", "GET", func(h *Handler) {
		panic("sensor 100% broken")
	})

	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	return server
}

func TestServerRoutes(t *testing.T) {
	assert := assert.New(t)

	server := newTestServer(t)
	baseURI := "http://" + server.Addr()

	res, err := http.Post(baseURI+"/echo/foo", "text/plain",
		strings.NewReader("hello"))
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	assert.Equal(200, res.StatusCode)
	assert.Equal("foo:hello", string(body))
	assert.NotEmpty(res.Header.Get("X-Request-Id"))

	req, err := http.NewRequest("POST", baseURI+"/echo/bar",
		strings.NewReader("0123456789abcdefXYZ"))
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "request-42")

	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(413, res.StatusCode)
	assert.Equal("request-42", res.Header.Get("X-Request-Id"))
}

func TestServerErrors(t *testing.T) {
	assert := assert.New(t)

	server := newTestServer(t)
	baseURI := "http://" + server.Addr()

	decodeError := func(res *http.Response) JSONError {
		defer res.Body.Close()

		var jsonErr JSONError
		require.NoError(t, json.NewDecoder(res.Body).Decode(&jsonErr))
		return jsonErr
	}

	res, err := http.Get(baseURI + "/unknown")
	require.NoError(t, err)
	assert.Equal(404, res.StatusCode)
	assert.Equal("route_not_found", decodeError(res).Code)

	res, err = http.Get(baseURI + "/echo/foo")
	require.NoError(t, err)
	assert.Equal(405, res.StatusCode)
	assert.Equal("unhandled_method", decodeError(res).Code)

	res, err = http.Get(baseURI + "/panic")
	require.NoError(t, err)
	assert.Equal(500, res.StatusCode)
	assert.Equal("internal_error", decodeError(res).Code)

	res, err = http.Get(baseURI + "/panic/percent")
	require.NoError(t, err)
	assert.Equal(500, res.StatusCode)
	jsonErr := decodeError(res)
	assert.Equal("internal_error", jsonErr.Code)
	assert.True(strings.HasPrefix(jsonErr.Message, "panic: sensor 100% broken\n"),
		jsonErr.Message)
}

func newTestInfluxDispatcher(t *testing.T) (*influx.Dispatcher, <-chan string) {
	bodies := make(chan string, 100)

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			data, _ := io.ReadAll(req.Body)
			bodies <- string(data)
			w.WriteHeader(204)
		}))
	t.Cleanup(server.Close)

	host, portString, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(portString)
	require.NoError(t, err)

	client, err := influx.NewClient(influx.ClientCfg{
		HTTPClient: server.Client(),
		Host:       host,
		Port:       port,
		Database:   "test",
	})
	require.NoError(t, err)

	dispatcher, err := influx.NewDispatcher(influx.DispatcherCfg{
		Client:    client,
		NbWorkers: 1,
	})
	require.NoError(t, err)

	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	return dispatcher, bodies
}

func TestServerRequestMetrics(t *testing.T) {
	assert := assert.New(t)

	dispatcher, bodies := newTestInfluxDispatcher(t)

	server := newTestServerWithCfg(t, ServerCfg{
		Influx:         dispatcher,
		RequestMetrics: true,
	})
	baseURI := "http://" + server.Addr()

	nextBody := func() string {
		select {
		case body := <-bodies:
			return body
		case <-time.After(5 * time.Second):
			require.FailNow(t, "missing request metrics")
			return ""
		}
	}

	res, err := http.Post(baseURI+"/echo/foo", "text/plain",
		strings.NewReader("hello"))
	require.NoError(t, err)
	res.Body.Close()

	body := nextBody()
	assert.True(strings.HasPrefix(body,
		`incoming_http_requests,route=/echo/:name\ POST,server=test `), body)
	assert.Contains(body, "status=200i")

	res, err = http.Get(baseURI + "/unknown")
	require.NoError(t, err)
	res.Body.Close()

	body = nextBody()
	assert.True(strings.HasPrefix(body,
		"incoming_http_requests,route="+UnmatchedRouteId+",server=test "), body)
	assert.Contains(body, "status=404i")
}

func TestServerTextErrors(t *testing.T) {
	assert := assert.New(t)

	server := newTestServer(t)

	req, err := http.NewRequest("GET", "http://"+server.Addr()+"/unknown", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/plain")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	assert.Equal(404, res.StatusCode)
	assert.Equal("text/plain; charset=UTF-8", res.Header.Get("Content-Type"))
	assert.Equal("route_not_found: http route not found\n", string(body))
}

func TestRequestAcceptsText(t *testing.T) {
	assert := assert.New(t)

	newRequest := func(accept string) *http.Request {
		req, _ := http.NewRequest("GET", "/", nil)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		return req
	}

	assert.False(RequestAcceptsText(newRequest("")))
	assert.False(RequestAcceptsText(newRequest("application/json")))
	assert.True(RequestAcceptsText(newRequest("text/plain")))
	assert.True(RequestAcceptsText(newRequest("application/json, text/html")))
}
