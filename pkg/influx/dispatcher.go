package influx

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/flying7eleven/weather-station-backend/pkg/breaker"
	"github.com/flying7eleven/weather-station-backend/pkg/utils"
	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
)

const (
	DefaultDispatcherQueueSize = 1000
	DefaultDispatcherNbWorkers = 4
)

type ResultFunc func(*Point, *WriteResult, error)

type DispatcherCfg struct {
	Log      *log.Logger `json:"-"`
	Client   *Client     `json:"-"`
	OnResult ResultFunc  `json:"-"`

	QueueSize int                 `json:"queue_size,omitempty"`
	NbWorkers int                 `json:"nb_workers,omitempty"`
	Breaker   *breaker.BreakerCfg `json:"breaker,omitempty"`
}

// Dispatcher sends points in the background so that callers never wait for
// the time-series database.
type Dispatcher struct {
	Cfg    DispatcherCfg
	Log    *log.Logger
	Client *Client

	breaker *breaker.Breaker

	nbDroppedPoints  atomic.Int64
	breakerDropNoted atomic.Bool

	pointsChan chan *Point

	stopped   bool
	stopMutex sync.RWMutex
	wg        sync.WaitGroup
	startOnce sync.Once
}

func (cfg *DispatcherCfg) ValidateJSON(v *ejson.Validator) {
	if cfg.QueueSize != 0 {
		v.CheckIntMin("queue_size", cfg.QueueSize, 1)
	}

	if cfg.NbWorkers != 0 {
		v.CheckIntMinMax("nb_workers", cfg.NbWorkers, 1, 1000)
	}
}

func NewDispatcher(cfg DispatcherCfg) (*Dispatcher, error) {
	if cfg.Client == nil {
		return nil, errors.New("missing client")
	}

	if cfg.Log == nil {
		cfg.Log = cfg.Client.Log
	}

	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultDispatcherQueueSize
	}

	if cfg.NbWorkers == 0 {
		cfg.NbWorkers = DefaultDispatcherNbWorkers
	}

	d := &Dispatcher{
		Cfg:    cfg,
		Log:    cfg.Log,
		Client: cfg.Client,

		pointsChan: make(chan *Point, cfg.QueueSize),
	}

	if cfg.Breaker != nil {
		breakerCfg := *cfg.Breaker
		breakerCfg.Log = d.Log.Child("breaker", log.Data{})

		d.breaker = breaker.NewBreaker(breakerCfg)
	}

	return d, nil
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.Cfg.NbWorkers; i++ {
			d.wg.Add(1)
			go d.main()
		}
	})
}

// Stop refuses new points, waits for queued points to be sent and for all
// workers to exit.
func (d *Dispatcher) Stop() {
	d.stopMutex.Lock()
	if d.stopped {
		d.stopMutex.Unlock()
		return
	}
	d.stopped = true
	close(d.pointsChan)
	d.stopMutex.Unlock()

	d.Start() // make sure queued points are consumed
	d.wg.Wait()
}

func (d *Dispatcher) EnqueuePoint(p *Point) bool {
	// Most of the time, it is more important to avoid blocking the service
	// than to guarantee metric delivery: points are dropped when the queue is
	// full.

	if d.breaker != nil && !d.breaker.IsClosed() {
		d.nbDroppedPoints.Add(1)

		// Only the first point dropped after each opening is logged.
		if d.breakerDropNoted.CompareAndSwap(false, true) {
			d.Log.Error("breaker open, dropping points until it closes")
		}

		return false
	}

	d.stopMutex.RLock()
	defer d.stopMutex.RUnlock()

	if d.stopped {
		d.nbDroppedPoints.Add(1)
		d.Log.Error("dispatcher stopped, dropping point for measurement %q",
			p.Measurement)
		return false
	}

	select {
	case d.pointsChan <- p:
		return true

	default:
		d.nbDroppedPoints.Add(1)
		d.Log.Error("queue full, dropping point for measurement %q",
			p.Measurement)
		return false
	}
}

// NbDroppedPoints returns the number of points which were not queued since
// the dispatcher was created.
func (d *Dispatcher) NbDroppedPoints() int64 {
	return d.nbDroppedPoints.Load()
}

func (d *Dispatcher) EnqueuePoints(ps Points) {
	for _, p := range ps {
		d.EnqueuePoint(p)
	}
}

func (d *Dispatcher) main() {
	defer d.wg.Done()

	for p := range d.pointsChan {
		d.write(p)
	}
}

func (d *Dispatcher) write(p *Point) {
	var result *WriteResult
	var err error

	defer func() {
		if v := recover(); v != nil {
			msg := utils.RecoverValueString(v)
			trace := utils.StackTrace(2, 20, true)

			d.Log.Error("panic: %s\n%s", msg, trace)
		}
	}()

	result, err = d.Client.Write(p)
	if err != nil {
		d.Log.ErrorData(log.Data{"measurement": p.Measurement},
			"cannot write point: %v", err)

		var transportErr *TransportError
		if d.breaker != nil && errors.As(err, &transportErr) {
			if d.breaker.Open() {
				d.breakerDropNoted.Store(false)
			}
		}
	}

	if d.Cfg.OnResult != nil {
		d.Cfg.OnResult(p, result, err)
	}
}
