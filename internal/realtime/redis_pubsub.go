package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "project:"
	publishTimeout = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-process delivery.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// Channel returns the Redis channel carrying a project's progress events.
func Channel(projectID uuid.UUID) string {
	return channelPrefix + projectID.String()
}

// RedisPubSub bridges progress events between workers and API servers over Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for project events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// Publish sends an event on the project's channel. Failures are logged, never returned:
// progress delivery must not fail a job.
func (r *RedisPubSub) Publish(ctx context.Context, projectID uuid.UUID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("marshal event failed", zap.String("event", event), zap.Error(err))
		return
	}
	body, err := json.Marshal(redisPayload{Event: event, Data: data, At: time.Now().Unix()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, Channel(projectID), body).Err(); err != nil {
		r.logger.Warn("publish event failed",
			zap.String("project_id", projectID.String()),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// SubscribeProject subscribes to a project's channel and calls handler for each message.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeProject(projectID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, Channel(projectID))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("drop malformed event", zap.String("channel", msg.Channel))
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return cancelCtx, nil
}
