package notification

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

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the notifier publishes through.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes events as JSON to a durable topic exchange, using the
// event kind as routing key.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  Channel
	exchange string
	logger   *slog.Logger
	declared bool
}

// DialAMQP connects to the broker and opens a publishing channel.
func DialAMQP(rawURL, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	n := NewAMQPNotifier(ch, exchange, logger)
	n.conn = conn
	return n, nil
}

// NewAMQPNotifier wraps an already open channel.
func NewAMQPNotifier(ch Channel, exchange string, logger *slog.Logger) *AMQPNotifier {
	if exchange == "" {
		exchange = "ledger_events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{channel: ch, exchange: exchange, logger: logger}
}

// Send publishes the message. The exchange is declared on first use and
// again after a failed publish, when the channel is also reopened.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", message.Kind, err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         message.Kind,
		Body:         body,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.publish(ctx, message.Kind, publishing)
	if err == nil {
		return nil
	}
	n.logger.Warn("amqp publish failed; reopening channel",
		slog.String("exchange", n.exchange), slog.String("routing_key", message.Kind), slog.Any("error", err))
	if rerr := n.reopen(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return n.publish(ctx, message.Kind, publishing)
}

func (n *AMQPNotifier) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if !n.declared {
		if err := n.channel.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", n.exchange, err)
		}
		n.declared = true
	}
	return n.channel.PublishWithContext(ctx, n.exchange, key, false, false, msg)
}

func (n *AMQPNotifier) reopen() error {
	if n.conn == nil {
		return errors.New("amqp connection unavailable")
	}
	ch, err := n.conn.Channel()
	if err != nil {
		return fmt.Errorf("reopen amqp channel: %w", err)
	}
	_ = n.channel.Close()
	n.channel = ch
	n.declared = false
	return nil
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
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
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
