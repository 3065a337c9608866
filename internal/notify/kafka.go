package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/peyvandtel/broker/internal/config"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes alerts to a topic keyed by user id, so alerts of
// one user stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
}

func NewKafkaNotifier(cfg config.KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka notifier: brokers and topic are required")
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.Hash{},
		},
	}, nil
}

func (k *KafkaNotifier) NotifyLowBalance(ctx context.Context, n LowBalance) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(n.UserID), Value: data}); err != nil {
		return fmt.Errorf("writing low balance event: %w", err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
