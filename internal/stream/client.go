package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/streamsub/internal/buffer"
	"github.com/rickgao/streamsub/internal/connection"
	"github.com/rickgao/streamsub/internal/idle"
	"github.com/rickgao/streamsub/internal/model"
	"github.com/rickgao/streamsub/internal/poller"
	"github.com/rickgao/streamsub/internal/router"
	"github.com/rickgao/streamsub/internal/subscription"
)

// Config groups the settings of every component the client owns.
type Config struct {
	Connection connection.ManagerConfig
	Idle       idle.Config
	Poller     poller.Config
	Router     router.Config
}

// DefaultConfig returns sensible defaults. Connection.Client.URL must
// still be set.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultManagerConfig(),
		Idle:       idle.DefaultConfig(),
		Poller:     poller.DefaultConfig(),
		Router:     router.DefaultConfig(),
	}
}

// Mode describes how payloads currently reach subscribers.
type Mode string

const (
	ModeStreaming    Mode = "streaming"    // connection open, push delivery
	ModeConnecting   Mode = "connecting"   // dialing or waiting to redial
	ModeHibernating  Mode = "hibernating"  // closed for idleness
	ModePolling      Mode = "polling"      // degraded, fallback fetches
	ModeDisconnected Mode = "disconnected" // closed and not reconnecting
)

// Stats aggregates component statistics.
type Stats struct {
	Mode          Mode                    `json:"mode"`
	Subscriptions int                     `json:"subscriptions"`
	Connection    connection.ManagerStats `json:"connection"`
	Idle          idle.Stats              `json:"idle"`
	Poller        poller.Stats            `json:"poller"`
	Router        router.Stats            `json:"router"`
}

// Option configures a Client.
type Option func(*options)

type options struct {
	clientFactory connection.ClientFactory
}

// WithClientFactory overrides how physical connections are created.
func WithClientFactory(f connection.ClientFactory) Option {
	return func(o *options) {
		o.clientFactory = f
	}
}

// Client is a streaming subscription client. It owns one connection, the
// subscription registry and the idle and fallback machinery around them.
type Client struct {
	logger *slog.Logger

	registry *subscription.Registry
	conn     connection.Manager
	monitor  *idle.Monitor
	poller   *poller.Poller
	router   router.Router

	stopOnce sync.Once
	stopErr  error
}

// New builds a Client and wires its components. Nothing is dialed until
// Start.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{logger: logger}

	c.registry = subscription.NewRegistry(c, logger.With("component", "registry"))
	c.poller = poller.New(cfg.Poller, c.record, logger.With("component", "poller"))

	managerOpts := []connection.ManagerOption{
		connection.WithHooks(connection.Hooks{
			OnOpen:     c.onOpen,
			OnDegraded: c.onDegraded,
		}),
	}
	if o.clientFactory != nil {
		managerOpts = append(managerOpts, connection.WithClientFactory(o.clientFactory))
	}
	c.conn = connection.NewManager(cfg.Connection, c.registry, logger.With("component", "connection"), managerOpts...)

	c.monitor = idle.New(cfg.Idle, c.conn, c.registry, logger.With("component", "idle"))
	c.router = router.New(cfg.Router, c.conn.Messages(), c.registry, logger.With("component", "router"))

	return c
}

// Start begins routing and opens the connection. A failed first dial is
// retried in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.router.Start(ctx); err != nil {
		return err
	}
	return c.conn.Start(ctx)
}

// Stop shuts every component down. Safe to call more than once.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		var errs []error
		if err := c.monitor.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.poller.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.conn.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.router.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		c.stopErr = errors.Join(errs...)
	})
	return c.stopErr
}

// Subscribe registers a subscription. fetch may be nil, in which case the
// subscription receives nothing while the client is degraded.
func (c *Client) Subscribe(req model.Request, onResult subscription.ResultFunc, matches subscription.MatchFunc, fetch subscription.FetchFunc) *Handle {
	return c.SubscribeWithUnsubscribe(req, model.Request{}, onResult, matches, fetch)
}

// SubscribeWithUnsubscribe is Subscribe with the request sent on
// Handle.Unsubscribe.
func (c *Client) SubscribeWithUnsubscribe(req, unsub model.Request, onResult subscription.ResultFunc, matches subscription.MatchFunc, fetch subscription.FetchFunc) *Handle {
	id := c.registry.SubscribeWithUnsubscribe(req, unsub, onResult, matches, fetch)
	return &Handle{id: id, registry: c.registry}
}

// Unsubscribe removes a subscription by id. See Handle.Unsubscribe.
func (c *Client) Unsubscribe(id int64, unsub model.Request) error {
	return c.registry.Unsubscribe(id, unsub)
}

// Foreground signals that the embedding application became visible.
func (c *Client) Foreground() {
	c.monitor.Foreground()
}

// Background signals that the embedding application went to the
// background. Reports whether the connection was hibernated.
func (c *Client) Background() bool {
	return c.monitor.Background()
}

// Mode reports how payloads currently reach subscribers.
func (c *Client) Mode() Mode {
	switch c.conn.State() {
	case connection.StateOpen:
		return ModeStreaming
	case connection.StateDegraded:
		return ModePolling
	case connection.StateConnecting, connection.StateReconnecting:
		return ModeConnecting
	}
	if c.monitor.Hibernating() {
		return ModeHibernating
	}
	return ModeDisconnected
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Recorded returns the recorder buffer, nil when recording is off.
func (c *Client) Recorded() *buffer.GrowableBuffer[model.Payload] {
	return c.router.Recorded()
}

// Stats returns a snapshot of every component's statistics.
func (c *Client) Stats() Stats {
	return Stats{
		Mode:          c.Mode(),
		Subscriptions: c.registry.Len(),
		Connection:    c.conn.Stats(),
		Idle:          c.monitor.Stats(),
		Poller:        c.poller.Stats(),
		Router:        c.router.Stats(),
	}
}

// Degraded, Send, SendControl, StartPolling and StopPolling make the
// Client the registry's subscription.Deliverer.

func (c *Client) Degraded() bool {
	return c.conn.Degraded()
}

func (c *Client) Send(cmd model.Command) error {
	return c.conn.Send(cmd)
}

func (c *Client) SendControl(cmd model.Command) error {
	return c.conn.SendControl(cmd)
}

func (c *Client) StartPolling(sub *subscription.Subscription) {
	c.poller.Start(sub)
}

func (c *Client) StopPolling(id int64) {
	c.poller.Halt(id)
}

func (c *Client) onOpen() {
	c.monitor.Arm()
	c.poller.HaltAll()
}

func (c *Client) onDegraded() {
	started := 0
	for _, sub := range c.registry.Snapshot() {
		if sub.CanPoll() {
			c.poller.Start(sub)
			started++
		}
	}
	c.logger.Warn("push delivery abandoned, polling",
		"pollable", started,
		"subscriptions", c.registry.Len(),
	)
}

func (c *Client) record(p model.Payload) {
	c.router.Record(p)
}
