package pg

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/flying7eleven/weather-station-backend/pkg/influx"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultPoolSize                     = 5
	DefaultConnectionAcquisitionTimeout = 5000 // milliseconds

	PoolStatsInterval = 10 * time.Second
)

var ErrNoConnectionAvailable = errors.New("no connection available")

type ClientCfg struct {
	Log    *log.Logger        `json:"-"`
	Influx *influx.Dispatcher `json:"-"`
	Name   string             `json:"-"`

	URI             string `json:"uri"`
	ApplicationName string `json:"application_name,omitempty"`

	PoolSize                     int `json:"pool_size,omitempty"`
	ConnectionAcquisitionTimeout int `json:"connection_acquisition_timeout,omitempty"` // milliseconds

	// Migrations of each schema are read from a sub-directory named after the
	// schema, e.g. <schema_directory>/station/20190601T000000Z.sql.
	SchemaDirectory string   `json:"schema_directory,omitempty"`
	SchemaNames     []string `json:"schema_names,omitempty"`
}

// Client is a connection pool shared by all the components of the service.
type Client struct {
	Cfg ClientCfg
	Log *log.Logger

	Pool *pgxpool.Pool

	acquisitionTimeout time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func (cfg *ClientCfg) ValidateJSON(v *ejson.Validator) {
	v.CheckStringURI("uri", cfg.URI)

	// Schema updates hold a connection for the lock while each migration
	// runs on another one.
	if cfg.PoolSize != 0 {
		v.CheckIntMinMax("pool_size", cfg.PoolSize, 2, 1000)
	}

	if cfg.ConnectionAcquisitionTimeout != 0 {
		v.CheckIntMin("connection_acquisition_timeout",
			cfg.ConnectionAcquisitionTimeout, 1)
	}

	if len(cfg.SchemaNames) > 0 {
		v.CheckStringNotEmpty("schema_directory", cfg.SchemaDirectory)
	}

	v.WithChild("schema_names", func() {
		for i, name := range cfg.SchemaNames {
			v.CheckStringNotEmpty(i, name)
		}
	})
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("pg")
	}

	if cfg.Name == "" {
		cfg.Name = "main"
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	if cfg.ConnectionAcquisitionTimeout == 0 {
		cfg.ConnectionAcquisitionTimeout = DefaultConnectionAcquisitionTimeout
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid URI: %w", err)
	}

	connCfg := poolCfg.ConnConfig

	if cfg.ApplicationName != "" {
		connCfg.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.MaxConnIdleTime = 10 * time.Minute
	poolCfg.MaxConnLifetimeJitter = time.Second

	// Connections are established lazily: an unreachable server is reported
	// by the first query, not here.
	cfg.Log.Info("using database %q at %s:%d as %q (%d connections max)",
		connCfg.Database, connCfg.Host, connCfg.Port, connCfg.User,
		cfg.PoolSize)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	c := Client{
		Cfg: cfg,
		Log: cfg.Log,

		Pool: pool,

		acquisitionTimeout: time.Duration(cfg.ConnectionAcquisitionTimeout) *
			time.Millisecond,

		stopChan: make(chan struct{}),
	}

	for _, schema := range cfg.SchemaNames {
		dirPath := filepath.Join(cfg.SchemaDirectory, schema)

		if _, err := c.UpdateSchema(schema, dirPath); err != nil {
			c.Close()
			return nil, fmt.Errorf("cannot update schema %q: %w", schema, err)
		}
	}

	if cfg.Influx != nil {
		c.wg.Add(1)
		go c.poolStatsMain()
	}

	return &c, nil
}

func (c *Client) Close() {
	close(c.stopChan)
	c.wg.Wait()

	c.Pool.Close()
}

// WithConn calls a function with a connection from the pool, waiting at most
// for the configured acquisition timeout.
func (c *Client) WithConn(fn func(Conn) error) error {
	return c.withPoolConn(func(conn *pgxpool.Conn) error {
		return fn(conn)
	})
}

// WithTx calls a function in a transaction which is committed if the function
// returns nil and rolled back otherwise, including when it panics.
func (c *Client) WithTx(fn func(Conn) error) error {
	return c.withPoolConn(func(conn *pgxpool.Conn) error {
		return pgx.BeginFunc(context.Background(), conn,
			func(tx pgx.Tx) error {
				return fn(tx)
			})
	})
}

func (c *Client) withPoolConn(fn func(*pgxpool.Conn) error) error {
	ctx, cancel := context.WithTimeout(context.Background(),
		c.acquisitionTimeout)
	defer cancel()

	conn, err := c.Pool.Acquire(ctx)
	if err != nil {
		// pgx does not expose connection errors as distinct types; the only
		// case we can identify is an exhausted pool.
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrNoConnectionAvailable
		}

		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	return fn(conn)
}

// TakeAdvisoryTxLock blocks until the lock identified by the pair of keys is
// acquired. It is released at the end of the current transaction.
func TakeAdvisoryTxLock(conn Conn, id1, id2 uint32) error {
	return Exec(conn, `SELECT pg_advisory_xact_lock($1, $2)`, id1, id2)
}

func (c *Client) poolStatsMain() {
	defer c.wg.Done()

	ticker := time.NewTicker(PoolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return

		case <-ticker.C:
			c.Cfg.Influx.EnqueuePoint(c.PoolStatsPoint(time.Now()))
		}
	}
}

// PoolStatsPoint returns the current state of the connection pool along with
// the number of acquisitions since the client was created.
func (c *Client) PoolStatsPoint(now time.Time) *influx.Point {
	stats := c.Pool.Stat()

	tags := influx.Tags{
		"client": c.Cfg.Name,
	}

	fields := influx.Fields{
		"max_nb_connections":       influx.Integer(int64(stats.MaxConns())),
		"nb_connections":           influx.Integer(int64(stats.TotalConns())),
		"nb_idle_connections":      influx.Integer(int64(stats.IdleConns())),
		"nb_acquired_connections":  influx.Integer(int64(stats.AcquiredConns())),
		"nb_acquisitions":          influx.Integer(stats.AcquireCount()),
		"nb_empty_acquisitions":    influx.Integer(stats.EmptyAcquireCount()),
		"nb_canceled_acquisitions": influx.Integer(stats.CanceledAcquireCount()),
	}

	return influx.NewPointWithTimestamp("pg_clients", tags, fields, now)
}
