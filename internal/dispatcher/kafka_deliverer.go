package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the deliverer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	TopicPrefix  string
	WriteTimeout time.Duration
	MaxAttempts  int
}

// KafkaDeliverer publishes each stream to its own topic, one message per
// payload. A synchronous acks=all write is reported as 202 Accepted.
type KafkaDeliverer struct {
	Writer      MessageWriter
	TopicPrefix string
	Now         func() time.Time
}

func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            attempts,
		WriteTimeout:           timeout,
		ReadTimeout:            timeout,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  false,
	}
}

func NewKafkaDeliverer(w MessageWriter, topicPrefix string) *KafkaDeliverer {
	return &KafkaDeliverer{Writer: w, TopicPrefix: topicPrefix, Now: time.Now}
}

func (d *KafkaDeliverer) Topic(stream string) string {
	return strings.TrimSpace(d.TopicPrefix) + stream
}

func (d *KafkaDeliverer) Deliver(ctx context.Context, delivery Delivery) Result {
	if d.Writer == nil {
		return Result{Err: errors.New("kafka writer is not configured")}
	}
	if len(delivery.Items) == 0 {
		return Result{StatusCode: http.StatusAccepted}
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	topic := d.Topic(delivery.Stream)
	msgs := make([]kafka.Message, 0, len(delivery.Items))
	for _, item := range delivery.Items {
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte(delivery.Stream),
			Value: item,
			Time:  now(),
		})
	}
	if err := d.Writer.WriteMessages(ctx, msgs...); err != nil {
		return Result{Err: err}
	}
	return Result{StatusCode: http.StatusAccepted}
}

func (d *KafkaDeliverer) Close() error {
	if d.Writer == nil {
		return nil
	}
	return d.Writer.Close()
}
