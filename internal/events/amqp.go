package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/bookingescrow/internal/retry"
	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the durable topic exchange booking events go to.
const DefaultExchange = "booking_events"

// amqpChannel is the subset of *amqp091.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes events as JSON to a topic exchange, routed by
// event type.
type AMQPPublisher struct {
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel amqpChannel
	reopen  func() (amqpChannel, error)
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(rawURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	p, err := newAMQPPublisher(ch, exchange, logger, func() (amqpChannel, error) { return conn.Channel() })
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger *slog.Logger, reopen func() (amqpChannel, error)) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := declare(ch, exchange); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		exchange: exchange,
		logger:   logger,
		channel:  ch,
		reopen:   reopen,
	}, nil
}

func declare(ch amqpChannel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Publish sends the event, reopening the channel between attempts.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Body:         body,
	}

	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		p.mu.Lock()
		defer p.mu.Unlock()

		err := p.channel.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, msg)
		if err == nil {
			return nil
		}
		p.logger.Warn("amqp publish failed, reopening channel",
			"event", event.Type, "bookingId", event.BookingID, "error", err)
		if p.reopen == nil {
			return retry.Permanent(err)
		}
		ch, chErr := p.reopen()
		if chErr != nil {
			return errors.Join(err, chErr)
		}
		if decErr := declare(ch, p.exchange); decErr != nil {
			_ = ch.Close()
			return errors.Join(err, decErr)
		}
		_ = p.channel.Close()
		p.channel = ch
		return err
	})
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}
