// Package events publishes expense lifecycle events to an AMQP exchange.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"finance-agent/internal/domain"
)

const (
	DefaultExchange   = "finance"
	DefaultRoutingKey = "expense.logged"

	publishTimeout = 5 * time.Second
)

// channel is the subset of *amqp091.Channel used by Publisher.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// ExpenseLogged is the body of an expense.logged event.
type ExpenseLogged struct {
	EventID     string      `json:"event_id"`
	Type        string      `json:"type"`
	ExpenseID   int64       `json:"expense_id"`
	UserID      string      `json:"user_id"`
	OccurredAt  string      `json:"occurred_at"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Merchant    string      `json:"merchant,omitempty"`
	StoredAt    time.Time   `json:"stored_at"`
}

type Publisher struct {
	ch         channel
	conn       interface{ Close() error }
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu sync.Mutex
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange, routingKey string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	p, err := newPublisher(ch, conn, exchange, routingKey, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(ch channel, conn interface{ Close() error }, exchange, routingKey string, logger *slog.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("events: channel must not be nil")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = DefaultExchange
	}
	routingKey = strings.TrimSpace(routingKey)
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &Publisher{ch: ch, conn: conn, exchange: exchange, routingKey: routingKey, logger: logger}, nil
}

// ExpenseLogged publishes rec as a persistent JSON message.
func (p *Publisher) ExpenseLogged(ctx context.Context, rec domain.ExpenseRecord) error {
	evt := ExpenseLogged{
		EventID:     newEventID(),
		Type:        p.routingKey,
		ExpenseID:   rec.ID,
		UserID:      rec.UserID,
		OccurredAt:  domain.FormatTimestamp(rec.OccurredAt),
		Amount:      json.Number(rec.Amount.String()),
		Currency:    rec.Currency,
		Category:    string(rec.Category),
		Description: rec.Description,
		Merchant:    rec.Merchant,
		StoredAt:    rec.StoredAt.UTC(),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	err = p.ch.PublishWithContext(
		ctx,
		p.exchange,   // exchange
		p.routingKey, // routing key
		false,        // mandatory
		false,        // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    evt.EventID,
			Timestamp:    evt.StoredAt,
			Type:         evt.Type,
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", p.routingKey, err)
	}

	p.logger.InfoContext(ctx, "published expense event",
		"event_id", evt.EventID,
		"expense_id", rec.ID,
		"exchange", p.exchange,
		"routing_key", p.routingKey)
	return nil
}

func (p *Publisher) Close() error {
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

var newEventID = func() string {
	return uuid.NewString()
}
