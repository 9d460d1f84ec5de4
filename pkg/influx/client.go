package influx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
)

const (
	DefaultPort    = 8086
	DefaultTimeout = 10 // seconds
)

type ClientCfg struct {
	Log        *log.Logger  `json:"-"`
	HTTPClient *http.Client `json:"-"`

	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	TLS      bool   `json:"tls,omitempty"`

	Timeout     int  `json:"timeout,omitempty"` // seconds
	LogRequests bool `json:"log_requests,omitempty"`

	Probe      bool           `json:"probe,omitempty"`
	Dispatcher *DispatcherCfg `json:"dispatcher,omitempty"`
}

type Client struct {
	Cfg        ClientCfg
	Log        *log.Logger
	HTTPClient *http.Client

	writeURI string
	timeout  time.Duration
}

type WriteResult struct {
	Status int
	Body   string
}

func (cfg *ClientCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckStringNotEmpty("host", cfg.Host)

	if cfg.Port != 0 {
		v.CheckIntMinMax("port", cfg.Port, 1, 65535)
	}

	v.CheckStringNotEmpty("database", cfg.Database)

	if cfg.Timeout != 0 {
		v.CheckIntMin("timeout", cfg.Timeout, 1)
	}

	v.CheckOptionalObject("dispatcher", cfg.Dispatcher)
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("influx")
	}

	if cfg.HTTPClient == nil {
		return nil, fmt.Errorf("missing http client")
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("missing or empty host")
	}

	if cfg.Database == "" {
		return nil, fmt.Errorf("missing or empty database")
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if (cfg.User != "" || cfg.Password != "") && !cfg.TLS &&
		!utils.IsLocalHost(cfg.Host) {
		cfg.Log.Info("credentials for %q will be sent without tls", cfg.Host)
	}

	c := &Client{
		Cfg:        cfg,
		Log:        cfg.Log,
		HTTPClient: cfg.HTTPClient,

		writeURI: writeURI(cfg),
		timeout:  time.Duration(cfg.Timeout) * time.Second,
	}

	return c, nil
}

func writeURI(cfg ClientCfg) string {
	// url.Values.Encode sorts parameters by name; the user must come before
	// the password, so the query string is built by hand.

	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}

	var buf strings.Builder

	buf.WriteString(scheme)
	buf.WriteString("://")
	buf.WriteString(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	buf.WriteString("/write?db=")
	buf.WriteString(url.QueryEscape(cfg.Database))

	if cfg.User != "" {
		buf.WriteString("&u=")
		buf.WriteString(url.QueryEscape(cfg.User))
	}

	if cfg.Password != "" {
		buf.WriteString("&p=")
		buf.WriteString(url.QueryEscape(cfg.Password))
	}

	return buf.String()
}

func (c *Client) WriteURI() string {
	return c.writeURI
}

func (c *Client) Close() {
	c.HTTPClient.CloseIdleConnections()
}

// Write sends a single point and waits for the response. Failures are never
// retried.
func (c *Client) Write(p *Point) (*WriteResult, error) {
	var buf bytes.Buffer
	if err := EncodePoint(p, &buf); err != nil {
		return nil, fmt.Errorf("cannot encode point: %w", err)
	}

	return c.send(&buf)
}

func (c *Client) send(body *bytes.Buffer) (*WriteResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "POST", c.writeURI, body)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer res.Body.Close()

	bodyData, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("cannot read response "+
			"body: %w", err)}
	}

	if c.Cfg.LogRequests {
		c.Log.Info("POST /write %d %s", res.StatusCode,
			utils.FormatSeconds(time.Since(start).Seconds(), 1))
	}

	result := WriteResult{Status: res.StatusCode}

	if !utf8.Valid(bodyData) {
		return &result, &ResponseDecodingError{Status: res.StatusCode}
	}

	result.Body = string(bodyData)

	if res.StatusCode != http.StatusNoContent {
		return &result, &WriteError{Status: res.StatusCode, Body: result.Body}
	}

	return &result, nil
}
