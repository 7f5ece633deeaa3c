package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rickgao/streamsub/internal/model"
)

// Registry errors.
var (
	ErrNotFound = errors.New("subscription not found")
	ErrNoFetch  = errors.New("subscription has no fallback fetch")
)

// ResultFunc receives either an error or a payload, never both.
type ResultFunc func(err error, payload *model.Payload)

// MatchFunc decides whether a successful payload belongs to a subscription.
type MatchFunc func(p model.Payload) bool

// FetchFunc pulls one payload in degraded mode.
type FetchFunc func(ctx context.Context) (model.Payload, error)

// Subscription is one logical stream multiplexed over the connection.
// Only the pollingHalted flag changes after construction.
type Subscription struct {
	id       int64
	request  model.Command
	unsub    model.Request
	onResult ResultFunc
	matches  MatchFunc
	fetch    FetchFunc
	logger   *slog.Logger

	pollingHalted atomic.Bool
}

// ID returns the subscription id.
func (s *Subscription) ID() int64 { return s.id }

// Request returns the outbound subscribe command.
func (s *Subscription) Request() model.Command { return s.request }

// CanPoll reports whether the subscription supplied a fallback fetch.
func (s *Subscription) CanPoll() bool { return s.fetch != nil }

// Halted reports whether polling was stopped for this subscription.
func (s *Subscription) Halted() bool { return s.pollingHalted.Load() }

// Halt stops polling and suppresses all further callbacks.
func (s *Subscription) Halt() { s.pollingHalted.Store(true) }

// Fetch invokes the fallback fetch.
func (s *Subscription) Fetch(ctx context.Context) (model.Payload, error) {
	if s.fetch == nil {
		return model.Payload{}, ErrNoFetch
	}
	return s.fetch(ctx)
}

// Deliver applies the dispatch rule to a single payload: errors always
// reach the callback, successes only when the predicate matches.
func (s *Subscription) Deliver(p model.Payload) {
	if err := p.Error(); err != nil {
		s.Fail(err)
		return
	}
	if s.Halted() {
		return
	}

	matched, ok := s.safeMatch(p)
	if !ok || !matched {
		return
	}
	s.invoke(nil, &p)
}

// Fail hands err to the callback.
func (s *Subscription) Fail(err error) {
	s.invoke(err, nil)
}

func (s *Subscription) safeMatch(p model.Payload) (matched, ok bool) {
	if s.matches == nil {
		return false, true
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription predicate panicked",
				"subscription_id", s.id,
				"panic", fmt.Sprint(r),
			)
			matched, ok = false, false
		}
	}()
	return s.matches(p), true
}

// invoke checks Halted immediately before the callback so an unsubscribe
// that lands while the predicate runs still suppresses delivery.
func (s *Subscription) invoke(err error, p *model.Payload) {
	if s.onResult == nil || s.Halted() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription callback panicked",
				"subscription_id", s.id,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.onResult(err, p)
}
