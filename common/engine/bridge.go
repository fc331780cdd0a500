package engine

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/procflow/common/config"
	"github.com/lyzr/procflow/common/logger"
)

// Bridge publishes engine events to a Redis stream so external consumers
// can follow instance progress without polling the store.
type Bridge struct {
	client *redis.Client
	stream string
	maxLen int64
	log    *logger.Logger
}

func NewBridge(ctx context.Context, cfg config.EventsConfig, log *logger.Logger) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Bridge{
		client: client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
		log:    log,
	}, nil
}

// Listener returns the ListenerFunc to register on the engine. The "all"
// duplicate emission is skipped to avoid double publishing.
func (b *Bridge) Listener() ListenerFunc {
	return func(event string, ex *Execution, details map[string]any) {
		if event == EventAll {
			return
		}
		payload, err := json.Marshal(details)
		if err != nil {
			b.log.Error("event marshal failed", "error", err, "event", event)
			return
		}
		values := map[string]any{
			"event":       event,
			"instance_id": ex.ID,
			"name":        ex.Name,
			"status":      string(ex.Status),
			"details":     string(payload),
		}
		err = b.client.XAdd(context.Background(), &redis.XAddArgs{
			Stream: b.stream,
			MaxLen: b.maxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			b.log.Error("event publish failed", "error", err, "event", event)
		}
	}
}

func (b *Bridge) Close() error {
	return b.client.Close()
}
