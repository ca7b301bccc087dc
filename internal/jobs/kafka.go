package jobs

import (
	"context"
	"errors"
	"io"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type messageWriter interface {
	WriteMessage(ctx context.Context, msg kafkago.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (*kafkago.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	ClientID     string
	BatchTimeout time.Duration
	BatchSize    int
}

// KafkaQueue publishes tasks to a topic and consumes them through a consumer
// group. Exhausted tasks go to "<topic>.dead".
type KafkaQueue struct {
	writer     messageWriter
	deadWriter messageWriter
	reader     messageReader
}

func NewKafkaQueue(cfg KafkaConfig, tp trace.TracerProvider) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka queue requires brokers and topic")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	writer, err := newTracedWriter(cfg, cfg.Topic, tp)
	if err != nil {
		return nil, err
	}
	deadWriter, err := newTracedWriter(cfg, cfg.Topic+".dead", tp)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := otelkafka.NewReader(kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}))
	if err != nil {
		_ = writer.Close()
		_ = deadWriter.Close()
		return nil, err
	}

	return &KafkaQueue{writer: writer, deadWriter: deadWriter, reader: reader}, nil
}

func newTracedWriter(cfg KafkaConfig, topic string, tp trace.TracerProvider) (messageWriter, error) {
	base := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		BatchTimeout: cfg.BatchTimeout,
		BatchSize:    cfg.BatchSize,
	}
	return otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(topic),
				attribute.String("messaging.kafka.client_id", cfg.ClientID),
			},
		),
	)
}

func (q *KafkaQueue) Dispatch(ctx context.Context, task Task) error {
	task = stamp(ctx, task)
	payload, err := encode(task)
	if err != nil {
		return err
	}
	return q.writer.WriteMessage(ctx, kafkago.Message{Key: []byte(task.Key()), Value: payload})
}

func (q *KafkaQueue) Receive(ctx context.Context) (Task, error) {
	for {
		msg, err := q.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Task{}, err
			}
			if errors.Is(err, io.EOF) {
				return Task{}, ErrQueueClosed
			}
			return Task{}, err
		}
		task, err := decode(msg.Value)
		if err != nil {
			// Poison messages are skipped; the offset is already committed.
			continue
		}
		return task, nil
	}
}

func (q *KafkaQueue) DeadLetter(ctx context.Context, task Task) error {
	payload, err := encode(task)
	if err != nil {
		return err
	}
	return q.deadWriter.WriteMessage(ctx, kafkago.Message{Key: []byte(task.Key()), Value: payload})
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.reader.Close(), q.writer.Close(), q.deadWriter.Close())
}
