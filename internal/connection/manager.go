package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/streamsub/internal/buffer"
	"github.com/rickgao/streamsub/internal/model"
)

// Manager owns the single persistent connection to the stream endpoint.
type Manager interface {
	// Start opens the connection. A failed first dial is not an error:
	// the reconnect schedule takes over.
	Start(ctx context.Context) error

	// Stop closes the connection, cancels any pending reconnect and waits
	// for background goroutines.
	Stop(ctx context.Context) error

	// Open dials now unless a connection is already open or opening.
	Open(ctx context.Context) error

	// Close closes the connection without scheduling a reconnect.
	Close()

	// Hibernate replaces the pending queue with cmds and closes.
	Hibernate(cmds []model.Command)

	// Reconnect schedules a dial after the fixed reconnect delay,
	// replacing any reconnect already scheduled.
	Reconnect()

	// Resume leaves degraded mode (resetting the attempt budget) and
	// reconnects if not open.
	Resume()

	// Send writes cmd when open, otherwise queues it for the next open.
	Send(cmd model.Command) error

	// SendControl writes cmd only when open. It never queues.
	SendControl(cmd model.Command) error

	// Messages returns inbound frames for the router.
	Messages() <-chan RawMessage

	State() State
	IsOpen() bool
	Degraded() bool
	Attempts() int
	PendingLen() int

	// LastActivity returns the last time the connection was opened or
	// Touch was called. Frames and sends do not move it.
	LastActivity() time.Time
	Touch()

	Stats() ManagerStats
}

// Hooks are invoked after state transitions, outside the manager lock.
type Hooks struct {
	OnOpen        func()
	OnDegraded    func()
	OnStateChange func(from, to State)
}

// ManagerOption configures a Manager.
type ManagerOption func(*manager)

// WithClientFactory overrides how physical connections are created.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *manager) {
		m.newClient = f
	}
}

// WithHooks sets the state transition callbacks.
func WithHooks(h Hooks) ManagerOption {
	return func(m *manager) {
		m.hooks = h
	}
}

type stateChange struct {
	from, to State
}

type manager struct {
	cfg       ManagerConfig
	source    RequestSource
	logger    *slog.Logger
	newClient ClientFactory
	hooks     Hooks

	router chan RawMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards everything below and serializes socket writes.
	mu       sync.Mutex
	state    State
	client   Client
	gen      uint64 // bumped whenever the current client is superseded
	attempts int
	timer    *time.Timer
	timerSeq uint64
	stopped  bool
	pending  *buffer.GrowableBuffer[PendingMessage]
	changes  []stateChange

	lastActivity atomic.Int64
	dials        atomic.Int64
	dialFailures atomic.Int64
	drops        atomic.Int64
}

// NewManager creates a Connection Manager. source resolves pending
// commands at flush time and supplies the full request set on recovery.
func NewManager(cfg ManagerConfig, source RequestSource, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultManagerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}
	if cfg.PendingBufferSize <= 0 {
		cfg.PendingBufferSize = def.PendingBufferSize
	}

	m := &manager{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		newClient: NewClient,
		router:    make(chan RawMessage, cfg.MessageBufferSize),
		pending:   buffer.New[PendingMessage](cfg.PendingBufferSize),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.lastActivity.Store(time.Now().UnixNano())

	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *manager) Start(ctx context.Context) error {
	if err := m.Open(ctx); err != nil {
		m.logger.Warn("initial connect failed, will retry", "error", err)
	}

	m.logger.Info("connection manager started",
		"url", m.cfg.Client.URL,
		"reconnect_delay", m.cfg.ReconnectDelay,
		"max_attempts", m.cfg.MaxAttempts,
	)
	return nil
}

func (m *manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.stopTimerLocked()
	m.gen++
	client := m.client
	m.client = nil
	m.setStateLocked(StateClosed)
	m.unlock()

	if client != nil {
		client.Close()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}

	close(m.router)
	m.pending.Close()

	m.logger.Info("connection manager stopped")
	return nil
}

func (m *manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.unlock()

	clientCfg := m.cfg.Client
	client := m.newClient(clientCfg, m.logger.With("component", "ws_client"))

	m.dials.Add(1)
	err := client.Connect(ctx)

	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		client.Close()
		return ErrSuperseded
	}

	if err != nil {
		m.dialFailures.Add(1)
		m.mu.Unlock()
		client.Close()
		m.logger.Warn("connect failed",
			"url", clientCfg.URL,
			"attempts", m.Attempts(),
			"error", err,
		)
		m.Reconnect()
		return fmt.Errorf("open: %w", err)
	}

	m.client = client
	m.attempts = 0
	m.setStateLocked(StateOpen)
	m.Touch()

	m.wg.Add(1)
	go m.readLoop(client, gen)

	flushed := m.flushLocked(client)
	m.unlock()

	m.logger.Info("connected", "url", clientCfg.URL, "flushed", flushed)
	return nil
}

func (m *manager) Close() {
	m.mu.Lock()
	client := m.closeLocked()
	m.unlock()

	if client != nil {
		client.Close()
	}
}

func (m *manager) Hibernate(cmds []model.Command) {
	queued := make([]PendingMessage, 0, len(cmds))
	for _, cmd := range cmds {
		queued = append(queued, PendingMessage{SubscriptionID: cmd.ID, Command: cmd})
	}

	m.mu.Lock()
	m.pending.Replace(queued)
	client := m.closeLocked()
	m.unlock()

	if client != nil {
		client.Close()
	}
	m.logger.Info("hibernating", "pending", len(queued))
}

// closeLocked detaches the current client and cancels any scheduled
// reconnect. Degraded is kept: polling continues until Resume.
func (m *manager) closeLocked() Client {
	m.stopTimerLocked()
	m.gen++
	client := m.client
	m.client = nil
	if m.state != StateDegraded && !m.stopped {
		m.setStateLocked(StateClosed)
	}
	return client
}

func (m *manager) Reconnect() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()

	// A caller-initiated reconnect replaces the live connection.
	var old Client
	if m.client != nil {
		old = m.client
		m.client = nil
		m.gen++
		m.requeueAllLocked()
	}

	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnectFired(seq)
	})
	if m.state != StateDegraded {
		m.setStateLocked(StateReconnecting)
	}
	m.unlock()

	if old != nil {
		old.Close()
	}
}

func (m *manager) reconnectFired(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.timer == nil || m.stopped {
		m.mu.Unlock()
		return
	}
	m.timer = nil

	if m.attempts >= m.cfg.MaxAttempts {
		m.pending.Clear()
		m.setStateLocked(StateDegraded)
		attempts := m.attempts
		m.unlock()
		m.logger.Warn("reconnect budget exhausted, degrading to polling", "attempts", attempts)
		return
	}

	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.logger.Info("attempting reconnection", "attempt", attempt, "max_attempts", m.cfg.MaxAttempts)
	m.Open(m.ctx)
}

func (m *manager) Resume() {
	m.mu.Lock()
	if m.stopped || m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	if m.state == StateDegraded {
		m.attempts = 0
		m.requeueAllLocked()
		// Leave Degraded now so new subscriptions queue instead of polling.
		m.setStateLocked(StateReconnecting)
		m.logger.Info("resuming from degraded mode", "pending", m.pending.Len())
	}
	m.unlock()

	m.Reconnect()
}

func (m *manager) Send(cmd model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateOpen && m.client != nil {
		err := m.writeLocked(m.client, cmd)
		if err == nil {
			return nil
		}
		m.logger.Warn("send failed, queueing", "command_id", cmd.ID, "error", err)
	}

	m.pending.Push(PendingMessage{SubscriptionID: cmd.ID, Command: cmd})
	return nil
}

func (m *manager) SendControl(cmd model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateOpen || m.client == nil {
		return ErrNotConnected
	}
	return m.writeLocked(m.client, cmd)
}

func (m *manager) Messages() <-chan RawMessage {
	return m.router
}

func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) IsOpen() bool {
	return m.State() == StateOpen
}

func (m *manager) Degraded() bool {
	return m.State() == StateDegraded
}

func (m *manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *manager) PendingLen() int {
	return m.pending.Len()
}

func (m *manager) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

func (m *manager) Touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	state, attempts := m.state, m.attempts
	m.mu.Unlock()

	return ManagerStats{
		State:        state.String(),
		Attempts:     attempts,
		Pending:      m.pending.Len(),
		Dials:        m.dials.Load(),
		DialFailures: m.dialFailures.Load(),
		Drops:        m.drops.Load(),
		LastActivity: m.LastActivity(),
	}
}

// readLoop forwards frames from one client until it drops or is superseded.
func (m *manager) readLoop(client Client, gen uint64) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-client.Done():
			return

		case err := <-client.Errors():
			m.drainMessages(client)
			m.handleDrop(client, gen, err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			if !m.forward(msg) {
				return
			}
		}
	}
}

// drainMessages forwards frames that were buffered before the drop.
func (m *manager) drainMessages(client Client) {
	for {
		select {
		case msg := <-client.Messages():
			if !m.forward(msg) {
				return
			}
		default:
			return
		}
	}
}

func (m *manager) forward(msg RawMessage) bool {
	select {
	case m.router <- msg:
		return true
	case <-m.ctx.Done():
		return false
	default:
		m.logger.Warn("message buffer full, dropping")
		return true
	}
}

// handleDrop reacts to an abrupt closure: every registered request is
// queued again and a reconnect is scheduled.
func (m *manager) handleDrop(client Client, gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.gen++
	m.requeueAllLocked()
	pending := m.pending.Len()
	m.mu.Unlock()

	m.drops.Add(1)
	client.Close()

	m.logger.Warn("connection lost",
		"error", err,
		"requeued", pending,
	)
	m.Reconnect()
}

// flushLocked sends the pending queue in FIFO order. Each entry is resolved
// through the source by id, so unsubscribed entries are skipped and the
// latest request wins; an id is sent at most once per flush.
func (m *manager) flushLocked(client Client) int {
	queued := m.pending.Drain(0)
	if len(queued) == 0 {
		return 0
	}

	seen := make(map[int64]struct{}, len(queued))
	sent := 0
	for i, pm := range queued {
		if _, dup := seen[pm.SubscriptionID]; dup {
			continue
		}
		seen[pm.SubscriptionID] = struct{}{}

		cmd := pm.Command
		if m.source != nil {
			current, ok := m.source.Request(pm.SubscriptionID)
			if !ok {
				m.logger.Debug("skipping pending request for removed subscription",
					"subscription_id", pm.SubscriptionID,
				)
				continue
			}
			cmd = current
		}

		if err := m.writeLocked(client, cmd); err != nil {
			// The read loop will see the drop and requeue everything.
			m.logger.Warn("flush interrupted", "error", err, "remaining", len(queued)-i)
			break
		}
		sent++
	}
	return sent
}

func (m *manager) requeueAllLocked() {
	if m.source == nil {
		return
	}
	cmds := m.source.Requests()
	queued := make([]PendingMessage, 0, len(cmds))
	for _, cmd := range cmds {
		queued = append(queued, PendingMessage{SubscriptionID: cmd.ID, Command: cmd})
	}
	m.pending.Replace(queued)
}

func (m *manager) writeLocked(client Client, cmd model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command %d: %w", cmd.ID, err)
	}
	return client.Send(data)
}

func (m *manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.changes = append(m.changes, stateChange{from: m.state, to: s})
	m.state = s
}

// unlock releases mu and then runs hooks for the transitions recorded
// while it was held.
func (m *manager) unlock() {
	changes := m.changes
	m.changes = nil
	hooks := m.hooks
	m.mu.Unlock()

	for _, c := range changes {
		m.logger.Debug("connection state changed", "from", c.from.String(), "to", c.to.String())
		if hooks.OnStateChange != nil {
			hooks.OnStateChange(c.from, c.to)
		}
		switch c.to {
		case StateOpen:
			if hooks.OnOpen != nil {
				hooks.OnOpen()
			}
		case StateDegraded:
			if hooks.OnDegraded != nil {
				hooks.OnDegraded()
			}
		}
	}
}
