package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"behaviorwatch/internal/config"
)

// StartKafka consumes frame messages from a topic. Each message body
// uses the same JSON contract as the REST ingress and goes through the
// same variant resolution.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- Envelope, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			maxBytes := cfg.Get().Ingest.MaxPayloadBytes
			if int64(len(m.Value)) > maxBytes {
				if logger != nil {
					logger.Warn("kafka message exceeds size ceiling", "bytes", len(m.Value))
				}
				continue
			}
			sessionID, input, err := ParseRequest(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka frame rejected", "err", err)
				}
				continue
			}
			SendNonBlocking(ctx, out, Envelope{
				SessionID: sessionID,
				Input:     input,
				Source:    "kafka",
			}, logger)
		}
	}()
}
