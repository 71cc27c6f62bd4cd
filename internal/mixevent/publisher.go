package mixevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/juno-intents/hopmix/internal/queue"
)

var ErrInvalidConfig = errors.New("mixevent: invalid config")

// Publisher writes events to one queue topic.
type Publisher struct {
	producer queue.Producer
	topic    string
	log      *slog.Logger
}

func NewPublisher(producer queue.Producer, topic string, log *slog.Logger) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Publisher{producer: producer, topic: topic, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("mixevent: marshal %s: %w", e.Version, err)
	}
	if err := p.producer.Publish(ctx, p.topic, e.Key(), b); err != nil {
		return fmt.Errorf("mixevent: publish %s for %s: %w", e.Version, e.ID, err)
	}
	p.log.Debug("published event", "version", e.Version, "id", e.ID, "hop", e.Hop)
	return nil
}
