// Package events fans environment lifecycle events out over a redis channel.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend-go-simulation-api/internal/logger"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the redis channel lifecycle notifications go to.
const DefaultChannel = "sim_notifications"

// Notification is the JSON payload published for every lifecycle event.
type Notification struct {
	TraceID    string         `json:"trace_id,omitempty"`
	InstanceID string         `json:"instance_id"`
	Event      string         `json:"event"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Publisher publishes notifications. A nil *Publisher is a no-op.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

// NewPublisher connects to redis at addr. It returns an error when redis is
// unreachable; callers typically log and continue without notifications.
func NewPublisher(ctx context.Context, addr, channel string) (*Publisher, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Publisher{rdb: rdb, channel: channel}, nil
}

// NewPublisherFromClient wraps an existing redis client.
func NewPublisherFromClient(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{rdb: rdb, channel: channel}
}

// PublishLifecycle publishes one lifecycle event.
func (p *Publisher) PublishLifecycle(ctx context.Context, instanceID, event string, data map[string]any) error {
	if p == nil || p.rdb == nil {
		return nil
	}
	b, err := json.Marshal(Notification{
		TraceID:    logger.TraceID(ctx),
		InstanceID: instanceID,
		Event:      event,
		Data:       data,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return p.rdb.Publish(ctx, p.channel, string(b)).Err()
}

func (p *Publisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}

// Decode parses a published payload.
func Decode(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// Subscribe delivers notifications from channel to handle until ctx is done
// or the subscription closes. Undecodable payloads are logged and skipped.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string, handle func(Notification)) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := rdb.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	lg := logger.NewContextLogger(ctx)
	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				return fmt.Errorf("redis subscription channel %s closed", channel)
			}
			n, err := Decode(msg.Payload)
			if err != nil {
				lg.Warn("notification_decode_failed", "error", err)
				continue
			}
			handle(n)
		}
	}
}
