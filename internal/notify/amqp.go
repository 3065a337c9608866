package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/peyvandtel/broker/internal/config"
)

// publisher is the part of *amqp.Channel the notifier uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes alerts as persistent JSON messages to a durable
// queue on the default exchange.
type AMQPNotifier struct {
	queue string
	conn  *amqp.Connection

	mu sync.Mutex
	ch publisher
}

func DialAMQP(cfg config.AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("amqp notifier: url and queue are required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring amqp queue: %w", err)
	}
	return &AMQPNotifier{queue: cfg.Queue, conn: conn, ch: ch}, nil
}

func (a *AMQPNotifier) NotifyLowBalance(ctx context.Context, n LowBalance) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         "low_balance",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", a.queue, err)
	}
	return nil
}

func (a *AMQPNotifier) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.ch.Close()
	if a.conn != nil {
		err = errors.Join(err, a.conn.Close())
	}
	return err
}
