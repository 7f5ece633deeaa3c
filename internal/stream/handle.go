package stream

import (
	"sync"

	"github.com/rickgao/streamsub/internal/model"
	"github.com/rickgao/streamsub/internal/subscription"
)

// Handle is returned by Subscribe.
type Handle struct {
	id       int64
	registry *subscription.Registry

	once sync.Once
	err  error
}

// ID returns the subscription id.
func (h *Handle) ID() int64 {
	return h.id
}

// Unsubscribe removes the subscription, stops its polling and, if the
// connection is open, sends the unsubscribe request given at subscribe
// time. No callback starts after it returns; one already running on
// another goroutine may still finish. Later calls return the first call's
// result.
func (h *Handle) Unsubscribe() error {
	h.once.Do(func() {
		h.err = h.registry.Unsubscribe(h.id, model.Request{})
	})
	return h.err
}
