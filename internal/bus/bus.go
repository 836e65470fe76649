package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New returns the bus named by cfg.Type: "channel" for a single process,
// "nats" when API nodes and workers run apart.
func New(cfg domain.EventBusConfig, logger *slog.Logger) (domain.EventBus, error) {
	if cfg.Type == "channel" {
		return NewChannelBus(cfg.ChannelBufferSize, logger), nil
	}
	if cfg.Type == "nats" {
		return NewNATSBus(cfg, logger)
	}
	return nil, fmt.Errorf("unsupported event bus type: %q", cfg.Type)
}

// PublishJSON marshals v and publishes it to topic.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}
