package breaker

import (
	"sync"
	"time"

	"github.com/galdor/go-ejson"
	"github.com/galdor/go-log"
)

const DefaultResetDelay = 10 // seconds

type BreakerCfg struct {
	Log *log.Logger `json:"-"`

	ResetDelay int `json:"reset_delay"` // seconds
}

// Breaker stops a component from contacting an unavailable server. Once
// opened, it closes again by itself after the reset delay.
type Breaker struct {
	Cfg BreakerCfg
	Log *log.Logger

	resetDelay time.Duration

	open     bool
	openedAt time.Time

	lock sync.Mutex
}

func (cfg *BreakerCfg) ValidateJSON(v *ejson.Validator) {
	if cfg.ResetDelay != 0 {
		v.CheckIntMin("reset_delay", cfg.ResetDelay, 1)
	}
}

func NewBreaker(cfg BreakerCfg) *Breaker {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("breaker")
	}

	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = DefaultResetDelay
	}

	return &Breaker{
		Cfg: cfg,
		Log: cfg.Log,

		resetDelay: time.Duration(cfg.ResetDelay) * time.Second,
	}
}

func (b *Breaker) IsClosed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.open && time.Since(b.openedAt) >= b.resetDelay {
		b.close()
	}

	return !b.open
}

// Open opens the breaker and returns true, or returns false if it was
// already open.
func (b *Breaker) Open() bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.open {
		return false
	}

	b.Log.Info("opening for %d seconds", b.Cfg.ResetDelay)

	b.open = true
	b.openedAt = time.Now()

	return true
}

func (b *Breaker) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.open {
		b.close()
	}
}

func (b *Breaker) close() {
	b.Log.Info("closing after %s",
		time.Since(b.openedAt).Round(time.Millisecond))

	b.open = false
}
