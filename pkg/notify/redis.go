package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"k8s.io/klog/v2"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

const (
	enqueuedPrefix = "fleet:enqueued:"
	canceledTopic  = "fleet:canceled"
)

// RedisNotifier publishes hints over Redis pub/sub
type RedisNotifier struct {
	redis *redis.Client
}

// NewRedisNotifier connects to redisURL ("host:port" or a redis:// URL)
func NewRedisNotifier(ctx context.Context, redisURL string) (*RedisNotifier, error) {
	if !strings.Contains(redisURL, "://") {
		redisURL = "redis://" + redisURL
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisNotifier{redis: client}, nil
}

func poolTopic(pool models.Pool) string {
	return enqueuedPrefix + pool.OrgID + ":" + string(pool.Kind)
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := canceledTopic
	if event.Type == EventEnqueued {
		topic = poolTopic(models.Pool{OrgID: event.OrgID, Kind: event.Kind})
	}
	if err := n.redis.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, pool models.Pool) (<-chan Event, error) {
	pubsub := n.redis.Subscribe(ctx, poolTopic(pool), canceledTopic)
	// Receive waits for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					klog.V(2).InfoS("Dropping malformed hint", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case events <- event:
				default:
				}
			}
		}
	}()
	return events, nil
}

func (n *RedisNotifier) Close() error {
	if n.redis != nil {
		return n.redis.Close()
	}
	return nil
}
