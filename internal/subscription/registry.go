package subscription

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/streamsub/internal/model"
)

// Deliverer carries subscribe and unsubscribe traffic for the Registry.
type Deliverer interface {
	// Degraded reports whether push delivery has been abandoned.
	Degraded() bool

	// Send transmits a subscribe command now, or caches it until the
	// connection opens.
	Send(cmd model.Command) error

	// SendControl transmits a fire-and-forget command only if the
	// connection is open. It never caches.
	SendControl(cmd model.Command) error

	// StartPolling starts (or joins) the fallback loop for a subscription.
	StartPolling(sub *Subscription)

	// StopPolling stops the fallback loop for a subscription id.
	StopPolling(id int64)
}

// Registry holds every live subscription in insertion order and routes
// decoded payloads to them.
type Registry struct {
	deliverer Deliverer
	logger    *slog.Logger

	nextID atomic.Int64

	mu    sync.RWMutex
	order []*Subscription
	byID  map[int64]*Subscription
}

// NewRegistry creates an empty Registry.
func NewRegistry(deliverer Deliverer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deliverer: deliverer,
		logger:    logger,
		byID:      make(map[int64]*Subscription),
	}
}

// NextID allocates an id. Ids are strictly increasing and never reused;
// control messages draw from the same sequence.
func (r *Registry) NextID() int64 {
	return r.nextID.Add(1)
}

// Subscribe registers a subscription and starts its delivery. The returned
// id is what Unsubscribe takes.
func (r *Registry) Subscribe(req model.Request, onResult ResultFunc, matches MatchFunc, fetch FetchFunc) int64 {
	return r.SubscribeWithUnsubscribe(req, model.Request{}, onResult, matches, fetch)
}

// SubscribeWithUnsubscribe is Subscribe with the unsubscribe request stored
// on the subscription, so callers can later unsubscribe by id alone.
func (r *Registry) SubscribeWithUnsubscribe(req, unsub model.Request, onResult ResultFunc, matches MatchFunc, fetch FetchFunc) int64 {
	id := r.NextID()
	sub := &Subscription{
		id:       id,
		request:  req.WithID(id),
		unsub:    unsub,
		onResult: onResult,
		matches:  matches,
		fetch:    fetch,
		logger:   r.logger,
	}

	r.mu.Lock()
	r.order = append(r.order, sub)
	r.byID[id] = sub
	r.mu.Unlock()

	r.logger.Debug("subscription added",
		"subscription_id", id,
		"method", req.Method,
		"pollable", sub.CanPoll(),
	)

	if r.deliverer == nil {
		return id
	}

	if r.deliverer.Degraded() {
		if sub.CanPoll() {
			r.deliverer.StartPolling(sub)
		}
		return id
	}

	if err := r.deliverer.Send(sub.request); err != nil {
		r.logger.Warn("subscribe send failed",
			"subscription_id", id,
			"error", err,
		)
	}
	return id
}

// Unsubscribe halts polling, removes the subscription and, only while the
// connection is open, sends the unsubscribe request under a fresh id.
// A zero unsub falls back to the request given at subscribe time.
func (r *Registry) Unsubscribe(id int64, unsub model.Request) error {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		for i, s := range r.order {
			if s == sub {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	sub.Halt()

	if unsub.IsZero() {
		unsub = sub.unsub
	}

	if r.deliverer == nil {
		return nil
	}
	r.deliverer.StopPolling(id)

	if unsub.IsZero() {
		return nil
	}
	cmd := unsub.WithID(r.NextID())
	if err := r.deliverer.SendControl(cmd); err != nil {
		r.logger.Debug("unsubscribe not sent",
			"subscription_id", id,
			"command_id", cmd.ID,
			"error", err,
		)
	}
	return nil
}

// Dispatch hands a decoded payload to subscriptions in insertion order.
// Error payloads go to every subscription; successes only to those whose
// predicate matches. A panicking subscriber does not affect the others.
func (r *Registry) Dispatch(p model.Payload) int {
	subs := r.Snapshot()
	for _, sub := range subs {
		sub.Deliver(p)
	}
	return len(subs)
}

// Get returns the live subscription for id.
func (r *Registry) Get(id int64) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// Request returns the current subscribe command for id, if still registered.
func (r *Registry) Request(id int64) (model.Command, bool) {
	sub, ok := r.Get(id)
	if !ok {
		return model.Command{}, false
	}
	return sub.request, true
}

// Requests returns the subscribe command of every live subscription in
// insertion order.
func (r *Registry) Requests() []model.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Command, 0, len(r.order))
	for _, sub := range r.order {
		out = append(out, sub.request)
	}
	return out
}

// Snapshot returns the live subscriptions in insertion order.
func (r *Registry) Snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
