package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/media-service/internal/config"
	"github.com/aliskhannn/media-service/internal/model"
)

// Producer publishes media events to a Kafka topic.
type Producer struct {
	Client   *wbfkafka.Producer
	strategy retry.Strategy
	cfg      *config.Kafka
}

// New creates a new Producer.
// - cfg: Kafka configuration struct
// - s: retry strategy
func New(
	cfg *config.Kafka,
	s retry.Strategy,
) *Producer {
	producer := wbfkafka.NewProducer(cfg.Brokers, cfg.Topic)

	return &Producer{
		Client:   producer,
		cfg:      cfg,
		strategy: s,
	}
}

// Publish serializes the event to JSON and sends it to Kafka.
// Events of one image share a key, so they stay ordered within a partition.
func (p *Producer) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err = p.Client.SendWithRetry(ctx, p.strategy, messageKey(ev), data); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}

	return nil
}

// Close closes the underlying writer.
func (p *Producer) Close() error {
	return p.Client.Close()
}

func messageKey(ev model.Event) []byte {
	if ev.ImageID != 0 {
		return []byte(strconv.FormatInt(ev.ImageID, 10))
	}

	return []byte(ev.JobID)
}
