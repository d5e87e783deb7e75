package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultChannel = "lorechat:events"

// Bus extends event delivery beyond the local process.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// RedisBus fans events out over redis pub/sub so every replica's
// broadcaster sees every chat event. Events published by this replica
// are tagged with its origin ID and skipped on the way back in.
type RedisBus struct {
	rdb      *redis.Client
	channel  string
	originID string
	logger   *slog.Logger
}

// NewRedisBus creates a bus over the given client.
func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		rdb:      rdb,
		channel:  defaultChannel,
		originID: uuid.NewString(),
		logger:   logger,
	}
}

// Publish sends the event to every replica, this one included.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.originID
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the bus channel and feeds remote events
// into the local broadcaster until ctx is done. Events this replica
// published itself are dropped; the broadcaster already delivered them
// locally.
func (b *RedisBus) StartForwarder(ctx context.Context, broadcaster *Broadcaster) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed bus event", "error", err)
					continue
				}
				if ev.Origin == b.originID {
					continue
				}
				broadcaster.deliver(ev)
			}
		}
	}()
}

// Close tears down the underlying client.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
