package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rickgao/streamsub/internal/buffer"
	"github.com/rickgao/streamsub/internal/connection"
	"github.com/rickgao/streamsub/internal/model"
)

// Dispatcher fans a decoded payload out to subscriptions.
type Dispatcher interface {
	Dispatch(p model.Payload) int
}

// Router decodes raw frames once and hands them to the Dispatcher.
type Router interface {
	// Start begins routing messages from the input channel.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Record tees a payload into the recorder buffer, if enabled. Used for
	// payloads that did not arrive over the socket.
	Record(p model.Payload) bool

	// Recorded returns the recorder buffer, nil when recording is off.
	Recorded() *buffer.GrowableBuffer[model.Payload]

	// Stats returns current router statistics.
	Stats() Stats
}

// Config holds router configuration.
type Config struct {
	Record           bool // Tee dispatched payloads into the recorder buffer
	RecordBufferSize int  // Initial recorder buffer capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Record:           false,
		RecordBufferSize: 5000,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived   int64         `json:"messages_received"`
	MessagesDispatched int64         `json:"messages_dispatched"`
	Deliveries         int64         `json:"deliveries"`
	Acks               int64         `json:"acks"`
	ErrorFrames        int64         `json:"error_frames"`
	ParseErrors        int64         `json:"parse_errors"`
	Recorded           int64         `json:"recorded"`
	RecordBuffer       *buffer.Stats `json:"record_buffer,omitempty"`
}

type router struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger

	input <-chan connection.RawMessage

	recordBuf *buffer.GrowableBuffer[model.Payload]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	received    int64
	dispatched  int64
	deliveries  int64
	acks        int64
	errorFrames int64
	parseErrors int64
	recorded    int64
}

// New creates a Router reading from input.
func New(cfg Config, input <-chan connection.RawMessage, dispatcher Dispatcher, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &router{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		input:      input,
	}
	if cfg.Record {
		r.recordBuf = buffer.New[model.Payload](cfg.RecordBufferSize)
	}
	return r
}

func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "record", r.cfg.Record)
	return nil
}

func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
	}

	if r.recordBuf != nil {
		r.recordBuf.Close()
	}
	return nil
}

func (r *router) Record(p model.Payload) bool {
	if r.recordBuf == nil {
		return false
	}
	if !r.recordBuf.Push(p) {
		return false
	}
	r.mu.Lock()
	r.recorded++
	r.mu.Unlock()
	return true
}

func (r *router) Recorded() *buffer.GrowableBuffer[model.Payload] {
	return r.recordBuf
}

func (r *router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		MessagesReceived:   r.received,
		MessagesDispatched: r.dispatched,
		Deliveries:         r.deliveries,
		Acks:               r.acks,
		ErrorFrames:        r.errorFrames,
		ParseErrors:        r.parseErrors,
		Recorded:           r.recorded,
	}
	if r.recordBuf != nil {
		bs := r.recordBuf.Stats()
		s.RecordBuffer = &bs
	}
	return s
}

func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route decodes a single frame and dispatches it.
func (r *router) route(raw connection.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	p, err := model.Decode(raw.Data, model.SourcePush, raw.ReceivedAt)
	if err != nil {
		r.logger.Warn("failed to decode frame", "error", err, "size", len(raw.Data))
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		return
	}

	ack := p.Err == nil && p.Stream == "" && p.RequestID != 0
	if p.Err != nil {
		r.logger.Debug("error frame", "request_id", p.RequestID, "error", p.Err)
	}

	n := 0
	if r.dispatcher != nil {
		n = r.dispatcher.Dispatch(p)
	}

	r.mu.Lock()
	r.dispatched++
	r.deliveries += int64(n)
	if ack {
		r.acks++
	}
	if p.Err != nil {
		r.errorFrames++
	}
	r.mu.Unlock()

	if !ack {
		r.Record(p)
	}
}
