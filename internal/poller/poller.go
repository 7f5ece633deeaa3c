package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/streamsub/internal/model"
)

// Target is a subscription that can be polled.
type Target interface {
	ID() int64

	// Halted reports whether the subscription asked polling to stop.
	Halted() bool

	// Fetch pulls one payload.
	Fetch(ctx context.Context) (model.Payload, error)

	// Deliver applies the subscription's predicate and callback.
	Deliver(p model.Payload)

	// Fail reports a fetch error to the callback.
	Fail(err error)
}

// PayloadHandler receives every successfully fetched payload, before it is
// delivered to its subscription.
type PayloadHandler func(p model.Payload)

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Wait between fetches (default: 1s)
	Timeout  time.Duration // Per-fetch timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Timeout:  10 * time.Second,
	}
}

// Stats provides fallback poller statistics.
type Stats struct {
	Running int   `json:"running"`
	Fetched int64 `json:"fetched"`
	Failed  int64 `json:"failed"`
}

// loop is one subscription's polling goroutine.
type loop struct {
	target Target
	stop   chan struct{}
	halted atomic.Bool
}

func (l *loop) stopped() bool {
	return l.halted.Load() || l.target.Halted()
}

func (l *loop) halt() {
	if l.halted.CompareAndSwap(false, true) {
		close(l.stop)
	}
}

// Poller runs one independent fetch loop per subscription while push
// delivery is unavailable.
type Poller struct {
	cfg     Config
	handler PayloadHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	loops   map[int64]*loop
	stopped bool

	fetched atomic.Int64
	failed  atomic.Int64
}

// New creates a Poller. handler may be nil.
func New(cfg Config, handler PayloadHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	p := &Poller{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		loops:   make(map[int64]*loop),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start begins polling for target. Joining a loop that is already running
// is a no-op.
func (p *Poller) Start(target Target) {
	if target == nil || target.Halted() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	id := target.ID()
	if _, ok := p.loops[id]; ok {
		return
	}

	l := &loop{target: target, stop: make(chan struct{})}
	p.loops[id] = l

	p.wg.Add(1)
	go p.run(l)

	p.logger.Info("fallback polling started",
		"subscription_id", id,
		"interval", p.cfg.Interval,
	)
}

// Halt stops the loop for id. An in-flight fetch is not interrupted, but
// its result is discarded.
func (p *Poller) Halt(id int64) {
	p.mu.Lock()
	l, ok := p.loops[id]
	if ok {
		delete(p.loops, id)
	}
	p.mu.Unlock()

	if ok {
		l.halt()
		p.logger.Info("fallback polling halted", "subscription_id", id)
	}
}

// HaltAll stops every loop, used when push delivery comes back.
func (p *Poller) HaltAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[int64]*loop)
	p.mu.Unlock()

	for _, l := range loops {
		l.halt()
	}
	if len(loops) > 0 {
		p.logger.Info("fallback polling halted", "loops", len(loops))
	}
}

// Running reports whether a loop exists for id.
func (p *Poller) Running(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

// Stop halts every loop, cancels in-flight fetches and waits for the loops
// to exit.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.HaltAll()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("fallback poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	running := len(p.loops)
	p.mu.Unlock()

	return Stats{
		Running: running,
		Fetched: p.fetched.Load(),
		Failed:  p.failed.Load(),
	}
}

func (p *Poller) run(l *loop) {
	defer p.wg.Done()
	defer p.forget(l)

	for {
		if l.stopped() {
			return
		}

		p.pollOnce(l)

		select {
		case <-p.ctx.Done():
			return
		case <-l.stop:
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// pollOnce fetches and delivers one result. Nothing is delivered if the
// loop was halted while the fetch was in flight.
func (p *Poller) pollOnce(l *loop) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	id := l.target.ID()
	payload, err := l.target.Fetch(ctx)

	if l.stopped() || p.ctx.Err() != nil {
		return
	}

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("fallback fetch failed",
			"subscription_id", id,
			"err", err,
		)
		l.target.Fail(err)
		return
	}

	p.fetched.Add(1)
	payload = stamp(payload, id)

	if p.handler != nil {
		p.handler(payload)
	}
	l.target.Deliver(payload)
}

// forget removes l from the loop table if it is still the registered loop.
func (p *Poller) forget(l *loop) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := l.target.ID()
	if cur, ok := p.loops[id]; ok && cur == l {
		delete(p.loops, id)
	}
}

// stamp fills in the bookkeeping fields of a polled payload.
func stamp(p model.Payload, subscriptionID int64) model.Payload {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = time.Now()
	}
	p.Source = model.SourcePoll
	p.SubscriptionID = subscriptionID
	return p
}
