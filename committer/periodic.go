package committer

import (
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/internal/timer"
)

var _ Committer = (*PeriodicCommitter)(nil)

type PeriodicCommitterConfig struct {
	MaxInterval time.Duration
	// MaxCount also triggers a commit after this many records; 0 disables it.
	MaxCount int
}

type PeriodicCommitterOption func(*PeriodicCommitterConfig)

func WithMaxInterval(d time.Duration) PeriodicCommitterOption {
	return func(cfg *PeriodicCommitterConfig) {
		cfg.MaxInterval = d
	}
}

func WithMaxCount(c int) PeriodicCommitterOption {
	return func(cfg *PeriodicCommitterConfig) {
		cfg.MaxCount = c
	}
}

// PeriodicCommitter signals every MaxInterval on the shared scheduler, and
// early once MaxCount records were processed since the last signal.
type PeriodicCommitter struct {
	c    PeriodicCommitterConfig
	tick *timer.Timer

	mu     sync.Mutex
	count  int
	closed bool

	channel chan struct{}
}

func NewPeriodicCommitter(sched *timer.Scheduler, opts ...PeriodicCommitterOption) *PeriodicCommitter {
	cfg := PeriodicCommitterConfig{
		MaxInterval: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	p := &PeriodicCommitter{
		c:       cfg,
		channel: make(chan struct{}, 1),
	}
	p.tick = sched.Every(cfg.MaxInterval, p.signal)
	return p
}

func (p *PeriodicCommitter) signal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signalLocked()
}

func (p *PeriodicCommitter) signalLocked() {
	if p.closed {
		return
	}
	p.count = 0
	select {
	case p.channel <- struct{}{}:
	default:
	}
}

func (p *PeriodicCommitter) RecordProcessed(count int) {
	if p.c.MaxCount <= 0 || count <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.count += count
	if p.count >= p.c.MaxCount {
		p.tick.Reset(p.c.MaxInterval)
		p.signalLocked()
	}
}

func (p *PeriodicCommitter) C() <-chan struct{} {
	return p.channel
}

// Close stops the interval timer; C is closed so a commit loop ranging over it ends.
func (p *PeriodicCommitter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.tick.Stop()
	close(p.channel)
}
