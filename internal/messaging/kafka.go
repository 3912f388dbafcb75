// Package messaging connects the eHash engine to the pool's Kafka bus.
// It consumes share outcomes and acknowledgements from the validation side and
// publishes coordinator status reports.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/ehash/pkg/circuit"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
	"github.com/bardlex/ehash/pkg/retry"
)

// KafkaClient wraps kafka-go with protobuf support and connection pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	// Configure circuit breaker for Kafka operations
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// MessageReader is the subset of *kafka.Reader a consumer loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// MessageHandler handles one raw Kafka message. Returning an error only logs it;
// the offset is committed either way so a poison message cannot stall the topic.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// ReadMessage reads the next message through the circuit breaker and retry policy
func (k *KafkaClient) ReadMessage(ctx context.Context, reader MessageReader) (kafka.Message, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			k.logger.Debug("consumed message", "topic", msg.Topic, "key", string(msg.Key), "size", len(msg.Value))
			return msg, nil
		})
	})
}

// StartConsumer runs a consumer loop for a topic until ctx is cancelled
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)
	return k.consume(ctx, topic, reader, handler)
}

func (k *KafkaClient) consume(ctx context.Context, topic string, reader MessageReader, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		msg, err := k.ReadMessage(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("consumer stopping", "topic", topic)
				return ctx.Err()
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			// Back off while the breaker is open instead of spinning.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			k.logger.WithError(err).Warn("failed to handle message", "topic", topic, "key", string(msg.Key))
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
