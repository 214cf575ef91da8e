package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"behaviorwatch/internal/config"
	"behaviorwatch/internal/model"
)

// RedisPublisher publishes alerts on a per-session channel and session
// lifecycle events on a shared channel. The WebSocket layer subscribes
// to these channels; it is out of scope here.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisPublisher(cfg config.BroadcastConfig, logger *slog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisPublisher{client: client, prefix: cfg.ChannelPrefix, logger: logger}, nil
}

func (p *RedisPublisher) AlertChannel(sessionID string) string {
	return p.prefix + ":alerts:" + sessionID
}

func (p *RedisPublisher) SessionChannel() string {
	return p.prefix + ":sessions"
}

func (p *RedisPublisher) PublishAlert(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.AlertChannel(alert.SessionID), payload).Err(); err != nil {
		if p.logger != nil {
			p.logger.Warn("alert publish failed", "session_id", alert.SessionID, "err", err)
		}
		return err
	}
	return nil
}

func (p *RedisPublisher) PublishSessionEvent(ctx context.Context, ev SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.SessionChannel(), payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
