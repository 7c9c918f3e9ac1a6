// Package events streams Action Records to a RabbitMQ topic exchange so
// downstream consumers (dashboards, audits) can follow the engine without
// reading the registry.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pewcast/internal/eventbus"
	"pewcast/internal/orchestrator"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string // prefix, e.g. "pewcast.action"
}

// Message is the JSON body of one published record.
type Message struct {
	ID       int64     `json:"id,omitempty"`
	PassID   string    `json:"pass_id"`
	WorkerID int64     `json:"worker_id"`
	TargetID int64     `json:"target_id"`
	Kind     string    `json:"kind"`
	Outcome  string    `json:"outcome"`
	At       time.Time `json:"at"`
	Detail   string    `json:"detail,omitempty"`
}

type Publisher struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: amqp url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "pewcast.events"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "pewcast.action"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{cfg: cfg, log: log}, nil
}

// Encode builds the routing key and body for rec.
func (p *Publisher) Encode(rec storage.ActionRecord) (string, []byte, error) {
	body, err := json.Marshal(Message{
		ID:       rec.ID,
		PassID:   rec.PassID,
		WorkerID: rec.WorkerID,
		TargetID: rec.TargetID,
		Kind:     string(rec.Kind),
		Outcome:  string(rec.Outcome),
		At:       rec.At.UTC(),
		Detail:   rec.Detail,
	})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s.%s.%s", p.cfg.RoutingKey, rec.Kind, rec.Outcome), body, nil
}

// Run connects, declares the exchange and publishes every action event from
// bus until ctx ends. It returns an error when the connection breaks so the
// supervisor can restart it.
func (p *Publisher) Run(ctx context.Context, bus eventbus.Bus) error {
	conn, err := amqp.DialConfig(p.cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.log.Info("event publisher connected", logx.String("exchange", p.cfg.Exchange))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	sub, unsub := bus.Subscribe(256, orchestrator.EventAction)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			return fmt.Errorf("amqp connection closed: %v", aerr)
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			rec, isAction := ev.Data.(storage.ActionRecord)
			if ev.Type != orchestrator.EventAction || !isAction {
				continue
			}
			key, body, err := p.Encode(rec)
			if err != nil {
				p.log.Warn("encode action failed", logx.Err(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = ch.PublishWithContext(pctx, p.cfg.Exchange, key, false, false, amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				ContentType:  "application/json",
				Timestamp:    rec.At,
				Body:         body,
			})
			cancel()
			if err != nil {
				return fmt.Errorf("publish %s: %w", key, err)
			}
		}
	}
}
