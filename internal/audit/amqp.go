package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes events as JSON to a durable topic exchange with routing key
// "audit.<action>". The connection is opened lazily and reopened after a failed publish.
type AMQPSink struct {
	url      string
	exchange string

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared bool
}

func NewAMQPSink(rawURL, exchange string) (*AMQPSink, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("audit exchange is required")
	}
	return &AMQPSink{url: cleanURL, exchange: exchange}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Write(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.publish(ctx, event.Action, body); err != nil {
		// One retry on a fresh channel.
		s.closeLocked()
		if retryErr := s.publish(ctx, event.Action, body); retryErr != nil {
			s.closeLocked()
			return fmt.Errorf("publish audit event: %w", retryErr)
		}
	}
	return nil
}

func (s *AMQPSink) publish(ctx context.Context, action string, body []byte) error {
	if err := s.ensureChannel(); err != nil {
		return err
	}
	if !s.declared {
		if err := s.channel.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", s.exchange, err)
		}
		s.declared = true
	}

	return s.channel.PublishWithContext(ctx,
		s.exchange,
		"audit."+action,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
}

func (s *AMQPSink) ensureChannel() error {
	if s.channel != nil && !s.channel.IsClosed() {
		return nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.DialConfig(s.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
		if err != nil {
			return fmt.Errorf("dial amqp: %w", err)
		}
		s.conn = conn
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	s.channel = ch
	s.declared = false
	return nil
}

func (s *AMQPSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *AMQPSink) closeLocked() {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.declared = false
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
