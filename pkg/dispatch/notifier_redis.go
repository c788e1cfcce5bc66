package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// EventChannel is the pub/sub channel certification events publish to.
const EventChannel = "oddc.events"

// RedisNotifier publishes events on a Redis pub/sub channel. Delivery is
// fire-and-forget: subscribers that are offline simply miss the event.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier creates a notifier publishing to EventChannel.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, channel: EventChannel}
}

// Notify publishes the event as a JSON message.
func (n *RedisNotifier) Notify(ctx context.Context, event string, payload map[string]any) error {
	msg, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", event, err)
	}
	if err := n.client.Publish(ctx, n.channel, msg).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", event, err)
	}
	return nil
}
