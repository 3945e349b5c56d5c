// Package notify publishes terminal checkout notifications to message brokers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"voyager/internal/checkout"
)

// RoutingKey is checkout.succeeded or checkout.failed.<kind>.
func RoutingKey(n checkout.Notification) string {
	if n.Outcome.Succeeded() {
		return "checkout.succeeded"
	}
	return "checkout.failed." + strings.ToLower(string(n.Outcome.Kind))
}

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier writes notifications keyed by attempt ID so all events for an
// attempt land on one partition.
type KafkaNotifier struct {
	writer MessageWriter
	now    func() time.Time
}

func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, now: time.Now}
}

// NewKafkaWriter builds a writer for topic from a comma-separated broker list.
func NewKafkaWriter(brokersCSV, topic string) *kafka.Writer {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n checkout.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	headers := headerCarrier{{Key: "event", Value: []byte(RoutingKey(n))}}
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(n.AttemptID),
		Value:   body,
		Headers: headers,
		Time:    k.now().UTC(),
	})
}

// headerCarrier adapts kafka headers to the otel propagator.
type headerCarrier []kafka.Header

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// Publisher is the subset of *amqp.Channel the notifier needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes persistent JSON messages to a topic exchange.
type AMQPNotifier struct {
	publisher Publisher
	exchange  string
	now       func() time.Time
}

func NewAMQPNotifier(publisher Publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher, exchange: exchange, now: time.Now}
}

// DialAMQP connects, declares the durable topic exchange and returns a
// notifier plus a close func for the connection.
func DialAMQP(url, exchange string) (*AMQPNotifier, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp exchange declare: %w", err)
	}
	closeFn := func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return NewAMQPNotifier(ch, exchange), closeFn, nil
}

func (a *AMQPNotifier) Notify(ctx context.Context, n checkout.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	headers := amqp.Table{}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}
	return a.publisher.PublishWithContext(ctx, a.exchange, RoutingKey(n), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.AttemptID,
		Timestamp:    a.now().UTC(),
		Headers:      headers,
		Body:         body,
	})
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) LogNotifier {
	return LogNotifier{logger: logger}
}

func (l LogNotifier) Notify(ctx context.Context, n checkout.Notification) error {
	ev := l.logger.Info()
	if !n.Outcome.Succeeded() {
		ev = l.logger.Warn().Str("kind", string(n.Outcome.Kind)).Str("reason", n.Outcome.Reason)
	}
	ev.Str("attempt_id", n.AttemptID).
		Str("session", n.SessionKey).
		Int64("amount", n.Amount).
		Str("status", string(n.Outcome.Status)).
		Msg("checkout finished")
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []checkout.Notifier

func (m Multi) Notify(ctx context.Context, n checkout.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
