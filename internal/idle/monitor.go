package idle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/streamsub/internal/model"
)

// Connection is the part of the Connection Manager the monitor drives.
type Connection interface {
	IsOpen() bool
	LastActivity() time.Time
	Touch()
	Hibernate(cmds []model.Command)
	Resume()
}

// RequestSource supplies the subscribe command of every live subscription.
type RequestSource interface {
	Requests() []model.Command
}

// Config holds idle monitor configuration.
type Config struct {
	CheckInterval time.Duration // How often to check for idleness (default: 60s)
	Threshold     time.Duration // Inactivity before hibernating (default: 10m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 60 * time.Second,
		Threshold:     10 * time.Minute,
	}
}

// Stats provides idle monitor statistics.
type Stats struct {
	Armed        bool  `json:"armed"`
	Hibernating  bool  `json:"hibernating"`
	Hibernations int64 `json:"hibernations"`
	Resumes      int64 `json:"resumes"`
}

// Monitor closes an idle connection and brings it back on demand.
type Monitor struct {
	cfg    Config
	conn   Connection
	source RequestSource
	logger *slog.Logger

	mu   sync.Mutex
	stop chan struct{} // non-nil while armed
	wg   sync.WaitGroup

	hibernating  atomic.Bool
	hibernations atomic.Int64
	resumes      atomic.Int64
}

// New creates an idle monitor. It does nothing until Arm is called.
func New(cfg Config, conn Connection, source RequestSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	return &Monitor{
		cfg:    cfg,
		conn:   conn,
		source: source,
		logger: logger,
	}
}

// Arm starts the periodic check. Calling Arm while armed is a no-op.
func (m *Monitor) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	stop := make(chan struct{})
	m.stop = stop

	m.wg.Add(1)
	go m.run(stop)

	m.logger.Debug("idle monitor armed",
		"interval", m.cfg.CheckInterval,
		"threshold", m.cfg.Threshold,
	)
}

// Disarm stops the periodic check without waiting for it to exit.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked()
}

func (m *Monitor) disarmLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// Armed reports whether the periodic check is running.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Stop disarms the monitor and waits for the check loop to exit.
func (m *Monitor) Stop(ctx context.Context) error {
	m.Disarm()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.Check() {
				// The check only runs while connected; OnOpen re-arms.
				m.mu.Lock()
				if m.stop == stop {
					m.disarmLocked()
				}
				m.mu.Unlock()
				return
			}
		}
	}
}

// Check hibernates the connection when it is open and has been idle longer
// than the threshold. The pending queue is overwritten with the current
// request of every live subscription. Reports whether it hibernated.
func (m *Monitor) Check() bool {
	if !m.conn.IsOpen() {
		return false
	}

	idleFor := time.Since(m.conn.LastActivity())
	if idleFor <= m.cfg.Threshold {
		return false
	}

	var cmds []model.Command
	if m.source != nil {
		cmds = m.source.Requests()
	}

	m.hibernating.Store(true)
	m.conn.Hibernate(cmds)
	m.hibernations.Add(1)

	m.logger.Info("connection idle, hibernating",
		"idle_for", idleFor.Round(time.Second),
		"subscriptions", len(cmds),
	)
	return true
}

// Foreground marks activity and resumes the connection if it is not open.
func (m *Monitor) Foreground() {
	m.conn.Touch()
	wasHibernating := m.hibernating.Swap(false)

	if m.conn.IsOpen() {
		return
	}
	m.resumes.Add(1)
	m.logger.Info("foreground, resuming connection", "was_hibernating", wasHibernating)
	m.conn.Resume()
}

// Background runs the idle check immediately.
func (m *Monitor) Background() bool {
	return m.Check()
}

// Hibernating reports whether the last transition was an idle hibernation
// not yet followed by a foreground signal.
func (m *Monitor) Hibernating() bool {
	return m.hibernating.Load()
}

// Stats returns current statistics.
func (m *Monitor) Stats() Stats {
	return Stats{
		Armed:        m.Armed(),
		Hibernating:  m.hibernating.Load(),
		Hibernations: m.hibernations.Load(),
		Resumes:      m.resumes.Load(),
	}
}
