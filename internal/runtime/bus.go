package runtime

import (
	"context"
	"sync"

	idspkg "github.com/denmarkmeralpis/listenable/internal/runtime/ids"
	loggingpkg "github.com/denmarkmeralpis/listenable/internal/runtime/logging"
)

// busHandler receives a published event. For sync subscribers the returned
// error aborts the publish.
type busHandler func(ctx context.Context, event Event) error

type subscription struct {
	token   string
	key     EventKey
	handler busHandler
}

// eventBus fans published events out to subscribers in subscription order,
// inline on the publishing goroutine. The first handler error stops the
// fan-out and is returned to the publisher.
type eventBus struct {
	mu      sync.RWMutex
	byKey   map[EventKey][]*subscription
	byToken map[string]*subscription
	logger  loggingpkg.ServiceLogger
}

func newEventBus(logger loggingpkg.ServiceLogger) *eventBus {
	return &eventBus{
		byKey:   make(map[EventKey][]*subscription),
		byToken: make(map[string]*subscription),
		logger:  logger,
	}
}

// Subscribe registers handler for key and returns a token for Unsubscribe.
func (b *eventBus) Subscribe(key EventKey, handler busHandler) string {
	token := idspkg.CreateULID()
	sub := &subscription{token: token, key: key, handler: handler}

	b.mu.Lock()
	b.byKey[key] = append(b.byKey[key], sub)
	b.byToken[token] = sub
	b.mu.Unlock()

	return token
}

// Unsubscribe removes a single subscription. Unknown tokens are ignored so
// callers can unsubscribe unconditionally.
func (b *eventBus) Unsubscribe(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byToken[token]
	if !ok {
		if b.logger != nil {
			b.logger.Debug("Ignoring unsubscribe for unknown token", loggingpkg.LogFields{
				"token": token,
			})
		}
		return
	}

	delete(b.byToken, token)
	b.removeSubscriptionLocked(sub)
}

// UnsubscribeKey drops every subscription for key. Used when a key is being
// re-wired so stale handlers never stack up behind fresh ones.
func (b *eventBus) UnsubscribeKey(key EventKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.byKey[key] {
		delete(b.byToken, sub.token)
	}
	delete(b.byKey, key)
}

// UnsubscribeAll drops every subscription.
func (b *eventBus) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byKey = make(map[EventKey][]*subscription)
	b.byToken = make(map[string]*subscription)
}

// Publish invokes the key's subscribers in subscription order on the calling
// goroutine. The subscriber list is snapshotted first, so handlers may
// subscribe or unsubscribe without deadlocking.
func (b *eventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.byKey[event.Key]))
	copy(subs, b.byKey[event.Key])
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *eventBus) removeSubscriptionLocked(sub *subscription) {
	subs := b.byKey[sub.key]
	filtered := make([]*subscription, 0, len(subs))
	for _, candidate := range subs {
		if candidate != sub {
			filtered = append(filtered, candidate)
		}
	}
	if len(filtered) == 0 {
		delete(b.byKey, sub.key)
		return
	}
	b.byKey[sub.key] = filtered
}

func (b *eventBus) subscriberCount(key EventKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKey[key])
}

func (b *eventBus) totalSubscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byToken)
}
