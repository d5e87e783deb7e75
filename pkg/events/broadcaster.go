// Package events delivers chat lifecycle events to live subscribers.
// Delivery is best-effort: a slow subscriber loses events rather than
// blocking the publisher, and there is no replay.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"lorechat/pkg/domain"
)

// Event types.
const (
	TypeMessage = "message"
	TypeRun     = "run"
)

// Event is one chat lifecycle notification. Exactly one of Message or
// Run is set, per Type.
type Event struct {
	ChatID  string          `json:"chatId"`
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	Run     *domain.ChatRun `json:"run,omitempty"`
	Origin  string          `json:"origin,omitempty"`
}

// Subscriber receives the events of one chat on C until unsubscribed.
type Subscriber struct {
	ID     string
	ChatID string
	C      <-chan Event
	ch     chan Event
}

// Broadcaster fans events out to the subscribers of each chat, in
// publish order per chat. An optional Bus extends delivery across
// replicas.
type Broadcaster struct {
	logger  *slog.Logger
	bufSize int
	bus     Bus

	mu   sync.RWMutex
	subs map[string]map[string]*Subscriber
}

// NewBroadcaster creates a broadcaster with the given per-subscriber
// buffer size.
func NewBroadcaster(bufSize int, logger *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		logger:  logger,
		bufSize: bufSize,
		subs:    make(map[string]map[string]*Subscriber),
	}
}

// AttachBus routes published events through the bus as well, so
// subscribers on other replicas see them. Call before serving traffic.
func (b *Broadcaster) AttachBus(bus Bus) {
	b.bus = bus
}

// Subscribe registers for the events of one chat.
func (b *Broadcaster) Subscribe(chatID string) *Subscriber {
	ch := make(chan Event, b.bufSize)
	sub := &Subscriber{
		ID:     uuid.NewString(),
		ChatID: chatID,
		C:      ch,
		ch:     ch,
	}
	b.mu.Lock()
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[string]*Subscriber)
	}
	b.subs[chatID][sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chatSubs := b.subs[sub.ChatID]
	if chatSubs == nil {
		return
	}
	if _, ok := chatSubs[sub.ID]; !ok {
		return
	}
	delete(chatSubs, sub.ID)
	if len(chatSubs) == 0 {
		delete(b.subs, sub.ChatID)
	}
	close(sub.ch)
}

// Publish delivers the event to local subscribers and, when a bus is
// attached, to the other replicas.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	b.deliver(ev)
	if b.bus != nil {
		if err := b.bus.Publish(ctx, ev); err != nil {
			b.logger.Warn("event bus publish failed", "chat", ev.ChatID, "error", err)
		}
	}
}

// deliver fans out to local subscribers only. A full subscriber buffer
// drops the event with a warning.
func (b *Broadcaster) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[ev.ChatID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"chat", ev.ChatID, "subscriber", sub.ID, "type", ev.Type)
		}
	}
}

// SubscriberCount reports the live subscribers for a chat.
func (b *Broadcaster) SubscriberCount(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[chatID])
}
