// Package notify delivers low-balance alerts to users and downstream systems.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/peyvandtel/broker/internal/config"
)

// LowBalance is raised when a ledger entry leaves a user's balance at or
// under their threshold.
type LowBalance struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Mobile    string `json:"mobile"`
	Balance   int64  `json:"balance"`
	Threshold int64  `json:"threshold"`
	EntryID   int64  `json:"entry_id"`
}

// Notifier delivers one alert. An error means the alert may be retried.
type Notifier interface {
	NotifyLowBalance(ctx context.Context, n LowBalance) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

func (LogNotifier) NotifyLowBalance(ctx context.Context, n LowBalance) error {
	slog.Info("user balance is below threshold",
		"user_id", n.UserID,
		"balance", n.Balance,
		"threshold", n.Threshold,
		"entry_id", n.EntryID,
	)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) NotifyLowBalance(ctx context.Context, n LowBalance) error {
	var errs []error
	for _, nt := range f {
		if err := nt.NotifyLowBalance(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build creates the notifiers named in cfg.Channels. The returned close
// function releases broker connections.
func Build(cfg config.NotifyConfig, client *http.Client) (Notifier, func() error, error) {
	var out Fanout
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	for _, ch := range cfg.Channels {
		switch ch {
		case "log":
			out = append(out, LogNotifier{})
		case "sms":
			sms, err := NewSMSNotifier(cfg.SMS, client)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			out = append(out, sms)
		case "amqp":
			q, err := DialAMQP(cfg.AMQP)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			out = append(out, q)
			closers = append(closers, q.Close)
		case "kafka":
			k, err := NewKafkaNotifier(cfg.Kafka)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			out = append(out, k)
			closers = append(closers, k.Close)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown notify channel %q", ch)
		}
	}
	if len(out) == 1 {
		return out[0], closeAll, nil
	}
	return out, closeAll, nil
}
