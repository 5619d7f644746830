package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"audio-render-pipeline/internal/models"
)

const channelPrefix = "renders:events:"

// RedisNotifier publishes job updates to a per-job Redis channel.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier wraps an existing Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// PublishUpdate marshals the update and publishes it to the job's channel.
func (n *RedisNotifier) PublishUpdate(ctx context.Context, update models.JobUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal job update: %w", err)
	}
	if err := n.client.Publish(ctx, channelPrefix+update.JobID, data).Err(); err != nil {
		return fmt.Errorf("publish job update: %w", err)
	}
	return nil
}

// Listener feeds updates from Redis into a local Hub so the API process can
// fan them out to websocket subscribers.
type Listener struct {
	client *redis.Client
	hub    *Hub
}

// NewListener builds a listener bound to a hub.
func NewListener(client *redis.Client, hub *Hub) *Listener {
	return &Listener{client: client, hub: hub}
}

// Run subscribes to all job event channels and forwards messages until the
// context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			jobID := strings.TrimPrefix(msg.Channel, channelPrefix)
			l.hub.Broadcast(jobID, []byte(msg.Payload))
		}
	}
}
