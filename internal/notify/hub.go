// Package notify fans job notifications out to every live connection a user
// holds. Delivery is best effort: a full connection buffer drops the event.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultBuffer   = 64
	dropLogInterval = 5 * time.Second
)

// Channel is one live subscription. Events closes on Unsubscribe.
type Channel struct {
	id     uint64
	userID string
	events chan scrape.Notification
	once   sync.Once
}

// Events yields notifications until the channel is unsubscribed.
func (c *Channel) Events() <-chan scrape.Notification { return c.events }

// UserID reports the subscribing user.
func (c *Channel) UserID() string { return c.userID }

// Hub multiplexes per-user channels.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu    sync.RWMutex
	users map[string]map[uint64]*Channel

	nextID  atomic.Uint64
	dropped atomic.Int64
	dropLog rate.Sometimes
}

// NewHub creates a hub whose channels buffer up to buffer events.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		buffer:  buffer,
		logger:  logger.Named("notify"),
		users:   make(map[string]map[uint64]*Channel),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
}

// Subscribe registers a new channel for userID.
func (h *Hub) Subscribe(userID string) *Channel {
	ch := &Channel{
		id:     h.nextID.Add(1),
		userID: userID,
		events: make(chan scrape.Notification, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.users[userID]
	if !ok {
		set = make(map[uint64]*Channel)
		h.users[userID] = set
	}
	set[ch.id] = ch
	return ch
}

// Unsubscribe removes and closes ch. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(ch *Channel) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.users[ch.userID]; ok {
		delete(set, ch.id)
		if len(set) == 0 {
			delete(h.users, ch.userID)
		}
	}
	// Closing under the write lock keeps Publish (read lock) from sending on a closed channel.
	ch.once.Do(func() { close(ch.events) })
}

// Publish delivers evt to every channel of userID without blocking and
// returns how many received it. No subscribers is not an error.
func (h *Hub) Publish(_ context.Context, userID string, evt scrape.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.users[userID] {
		select {
		case ch.events <- evt:
			delivered++
		default:
			h.dropped.Add(1)
			h.dropLog.Do(func() {
				h.logger.Warn("slow notification channel, events dropped",
					zap.String("user_id", userID),
					zap.Int64("dropped", h.dropped.Swap(0)),
				)
			})
		}
	}
	return delivered
}

// Connections counts live channels for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
