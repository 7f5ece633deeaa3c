package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/streamsub/internal/model"
)

var errDial = errors.New("dial refused")

// fakeClient is an in-memory Client driven by the test.
type fakeClient struct {
	dialErr error

	mu     sync.Mutex
	sent   []model.Command
	closed bool

	messages chan RawMessage
	errors   chan error
	done     chan struct{}
}

func newFakeClient(dialErr error) *fakeClient {
	return &fakeClient{
		dialErr:  dialErr,
		messages: make(chan RawMessage, 16),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.dialErr }

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	var cmd model.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeClient) Messages() <-chan RawMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error        { return c.errors }
func (c *fakeClient) Done() <-chan struct{}       { return c.done }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.dialErr == nil
}

func (c *fakeClient) sentIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, len(c.sent))
	for i, cmd := range c.sent {
		ids[i] = cmd.ID
	}
	return ids
}

func (c *fakeClient) drop(err error) {
	c.errors <- err
}

// fakeDialer hands out fakeClients; the first failFirst dials fail.
type fakeDialer struct {
	mu        sync.Mutex
	failFirst int
	clients   []*fakeClient
}

func (d *fakeDialer) factory(cfg ClientConfig, logger *slog.Logger) Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if len(d.clients) < d.failFirst {
		err = errDial
	}
	c := newFakeClient(err)
	d.clients = append(d.clients, c)
	return c
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// fakeSource is a RequestSource backed by an ordered map.
type fakeSource struct {
	mu    sync.Mutex
	order []int64
	reqs  map[int64]model.Command
}

func newFakeSource(ids ...int64) *fakeSource {
	s := &fakeSource{reqs: make(map[int64]model.Command)}
	for _, id := range ids {
		s.add(model.Command{ID: id, Method: "SUBSCRIBE"})
	}
	return s
}

func (s *fakeSource) add(cmd model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[cmd.ID]; !ok {
		s.order = append(s.order, cmd.ID)
	}
	s.reqs[cmd.ID] = cmd
}

func (s *fakeSource) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reqs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *fakeSource) Request(id int64) (model.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.reqs[id]
	return cmd, ok
}

func (s *fakeSource) Requests() []model.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Command, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.reqs[id])
	}
	return out
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MessageBufferSize = 16
	return cfg
}

func newTestManager(t *testing.T, d *fakeDialer, src RequestSource, hooks Hooks) Manager {
	t.Helper()
	m := NewManager(testManagerConfig(), src, nil, WithClientFactory(d.factory), WithHooks(hooks))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestManager_SendQueuesUntilOpen(t *testing.T) {
	d := &fakeDialer{}
	src := newFakeSource(1, 2, 3)
	m := newTestManager(t, d, src, Hooks{})

	for _, id := range []int64{1, 2, 3} {
		if err := m.Send(model.Command{ID: id, Method: "SUBSCRIBE"}); err != nil {
			t.Fatalf("Send(%d) = %v, want nil", id, err)
		}
	}
	if got := m.PendingLen(); got != 3 {
		t.Fatalf("PendingLen = %d, want 3", got)
	}

	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if got := m.State(); got != StateOpen {
		t.Errorf("State = %v, want open", got)
	}
	if got := m.PendingLen(); got != 0 {
		t.Errorf("PendingLen after open = %d, want 0", got)
	}
	if got := d.last().sentIDs(); !equalIDs(got, []int64{1, 2, 3}) {
		t.Errorf("flushed ids = %v, want [1 2 3]", got)
	}

	// Sends go out immediately while open.
	src.add(model.Command{ID: 4, Method: "SUBSCRIBE"})
	m.Send(model.Command{ID: 4, Method: "SUBSCRIBE"})
	if got := d.last().sentIDs(); !equalIDs(got, []int64{1, 2, 3, 4}) {
		t.Errorf("sent ids = %v, want [1 2 3 4]", got)
	}
}

func TestManager_FlushResolvesThroughSource(t *testing.T) {
	d := &fakeDialer{}
	src := newFakeSource(1, 2)
	m := newTestManager(t, d, src, Hooks{})

	m.Send(model.Command{ID: 1, Method: "SUBSCRIBE"})
	m.Send(model.Command{ID: 2, Method: "SUBSCRIBE"})
	m.Send(model.Command{ID: 1, Method: "SUBSCRIBE"})
	m.Send(model.Command{ID: 9, Method: "SUBSCRIBE"})

	src.remove(2)
	src.add(model.Command{ID: 1, Method: "SUBSCRIBE", Params: []any{"latest"}})

	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	c := d.last()
	if got := c.sentIDs(); !equalIDs(got, []int64{1}) {
		t.Fatalf("flushed ids = %v, want [1]", got)
	}
	c.mu.Lock()
	params := c.sent[0].Params
	c.mu.Unlock()
	if p, ok := params.([]any); !ok || len(p) != 1 || p[0] != "latest" {
		t.Errorf("flushed params = %v, want [latest]", params)
	}
}

func TestManager_SendControlNeverQueues(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, newFakeSource(), Hooks{})

	if err := m.SendControl(model.Command{ID: 7, Method: "UNSUBSCRIBE"}); err != ErrNotConnected {
		t.Errorf("SendControl while idle = %v, want %v", err, ErrNotConnected)
	}
	if got := m.PendingLen(); got != 0 {
		t.Errorf("PendingLen = %d, want 0", got)
	}

	m.Open(context.Background())
	if err := m.SendControl(model.Command{ID: 8, Method: "UNSUBSCRIBE"}); err != nil {
		t.Fatalf("SendControl while open = %v", err)
	}
	if got := d.last().sentIDs(); !equalIDs(got, []int64{8}) {
		t.Errorf("sent ids = %v, want [8]", got)
	}
}

func TestManager_DegradesAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{failFirst: 100}
	src := newFakeSource(1)
	degraded := make(chan struct{}, 1)
	m := newTestManager(t, d, src, Hooks{
		OnDegraded: func() { degraded <- struct{}{} },
	})

	m.Send(model.Command{ID: 1, Method: "SUBSCRIBE"})

	if err := m.Open(context.Background()); err == nil {
		t.Fatal("expected Open to fail")
	}

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for degraded")
	}

	if got := m.State(); got != StateDegraded {
		t.Errorf("State = %v, want degraded", got)
	}
	if !m.Degraded() {
		t.Error("Degraded() = false, want true")
	}
	if got := m.Attempts(); got != 2 {
		t.Errorf("Attempts = %d, want 2", got)
	}
	if got := m.PendingLen(); got != 0 {
		t.Errorf("PendingLen = %d, want 0 after degrading", got)
	}

	// No further automatic dials once degraded.
	time.Sleep(50 * time.Millisecond)
	if got := d.dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	stats := m.Stats()
	if stats.DialFailures != 3 {
		t.Errorf("DialFailures = %d, want 3", stats.DialFailures)
	}
	if stats.State != "degraded" {
		t.Errorf("Stats.State = %q, want degraded", stats.State)
	}
}

func TestManager_OpenResetsBudget(t *testing.T) {
	d := &fakeDialer{failFirst: 2}
	opened := make(chan struct{}, 1)
	m := newTestManager(t, d, newFakeSource(), Hooks{
		OnOpen: func() { opened <- struct{}{} },
	})

	m.Open(context.Background())

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for open")
	}

	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts = %d, want 0 after open", got)
	}
	if got := d.dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestManager_DropRequeuesAndReconnects(t *testing.T) {
	d := &fakeDialer{}
	src := newFakeSource(1, 2)
	m := newTestManager(t, d, src, Hooks{})

	m.Open(context.Background())
	first := d.last()

	first.drop(errors.New("connection reset"))

	waitFor(t, "second connection", func() bool {
		return d.dials() == 2 && m.IsOpen()
	})

	second := d.last()
	if got := second.sentIDs(); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("resent ids = %v, want [1 2]", got)
	}
	if got := m.Stats().Drops; got != 1 {
		t.Errorf("Drops = %d, want 1", got)
	}
}

func TestManager_HibernateDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	src := newFakeSource(1, 2)
	m := newTestManager(t, d, src, Hooks{})

	m.Open(context.Background())
	m.Hibernate(src.Requests())

	if got := m.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
	if got := m.PendingLen(); got != 2 {
		t.Errorf("PendingLen = %d, want 2", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := d.dials(); got != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect after hibernate)", got)
	}

	m.Resume()
	waitFor(t, "resume", m.IsOpen)

	if got := d.last().sentIDs(); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("flushed ids = %v, want [1 2]", got)
	}
}

func TestManager_CloseCancelsScheduledReconnect(t *testing.T) {
	d := &fakeDialer{failFirst: 100}
	cfg := testManagerConfig()
	cfg.ReconnectDelay = 50 * time.Millisecond
	m := NewManager(cfg, newFakeSource(), nil, WithClientFactory(d.factory))
	defer m.Stop(context.Background())

	m.Open(context.Background())
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("State = %v, want reconnecting", got)
	}

	m.Close()
	time.Sleep(120 * time.Millisecond)

	if got := d.dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := m.State(); got != StateClosed {
		t.Errorf("State = %v, want closed", got)
	}
}

func TestManager_ReconnectSupersedesTimer(t *testing.T) {
	d := &fakeDialer{failFirst: 100}
	cfg := testManagerConfig()
	cfg.ReconnectDelay = 40 * time.Millisecond
	m := NewManager(cfg, newFakeSource(), nil, WithClientFactory(d.factory))
	defer m.Stop(context.Background())

	m.Reconnect()
	m.Reconnect()
	m.Reconnect()

	time.Sleep(60 * time.Millisecond)
	if got := d.dials(); got != 1 {
		t.Errorf("dials = %d, want 1 (superseded timers must not fire)", got)
	}
}

func TestManager_ResumeFromDegraded(t *testing.T) {
	d := &fakeDialer{failFirst: 3}
	src := newFakeSource(5)
	degraded := make(chan struct{}, 1)
	m := newTestManager(t, d, src, Hooks{
		OnDegraded: func() { degraded <- struct{}{} },
	})

	m.Open(context.Background())
	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for degraded")
	}

	m.Resume()
	waitFor(t, "open after resume", m.IsOpen)

	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts = %d, want 0", got)
	}
	if got := d.last().sentIDs(); !equalIDs(got, []int64{5}) {
		t.Errorf("resent ids = %v, want [5]", got)
	}
}

func TestManager_StateChangeHook(t *testing.T) {
	d := &fakeDialer{}
	var mu sync.Mutex
	var seen []State
	m := newTestManager(t, d, newFakeSource(), Hooks{
		OnStateChange: func(from, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	})

	m.Open(context.Background())
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestManager_ForwardsMessages(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, newFakeSource(), Hooks{})

	m.Open(context.Background())
	before := m.LastActivity()
	time.Sleep(2 * time.Millisecond)

	d.last().messages <- RawMessage{Data: []byte(`{"stream":"s"}`), ReceivedAt: time.Now()}

	select {
	case msg := <-m.Messages():
		if string(msg.Data) != `{"stream":"s"}` {
			t.Errorf("Data = %s", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for forwarded message")
	}

	if !m.LastActivity().Equal(before) {
		t.Error("LastActivity should not move on inbound traffic")
	}
}

func TestManager_StopClosesMessages(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testManagerConfig(), newFakeSource(), nil, WithClientFactory(d.factory))
	m.Start(context.Background())

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := <-m.Messages(); ok {
		t.Error("Messages should be closed after Stop")
	}
	if err := m.Open(context.Background()); err != ErrStopped {
		t.Errorf("Open after Stop = %v, want %v", err, ErrStopped)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}

func TestManager_WebSocketRoundTrip(t *testing.T) {
	got := make(chan model.Command, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd model.Command
		json.Unmarshal(data, &cmd)
		got <- cmd
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		readUntilClosed(conn)
	})
	defer server.Close()

	cfg := testManagerConfig()
	cfg.Client = testClientConfig(wsURL(server))
	src := newFakeSource(1)
	m := NewManager(cfg, src, nil)
	defer m.Stop(context.Background())

	m.Send(model.Command{ID: 1, Method: "SUBSCRIBE", Params: []string{"btcusdt@trade"}})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case cmd := <-got:
		if cmd.ID != 1 || cmd.Method != "SUBSCRIBE" {
			t.Errorf("server received %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribe on server")
	}

	select {
	case msg := <-m.Messages():
		if string(msg.Data) != `{"result":null,"id":1}` {
			t.Errorf("Data = %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ack")
	}
}
