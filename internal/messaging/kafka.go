// Package messaging provides Kafka-based distribution of seal events for
// blockseal services. Events are encoded as JSON or as protobuf Structs.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/blockseal/pkg/circuit"
	"github.com/bardlex/blockseal/pkg/errors"
	"github.com/bardlex/blockseal/pkg/log"
	"github.com/bardlex/blockseal/pkg/retry"
)

// Event is a message that can be published in either encoding
type Event interface {
	ToProto() (*structpb.Struct, error)
}

// Config holds Kafka client configuration
type Config struct {
	Brokers  []string
	Encoding string // EncodingJSON or EncodingProto

	// OnPublish is called once per Publish* call with its final error
	OnPublish func(topic string, err error)
	// OnStateChange observes the client's circuit breaker
	OnStateChange func(name string, from, to circuit.State)
}

// KafkaClient wraps kafka-go with per-topic connection pooling
type KafkaClient struct {
	brokers        []string
	encoding       string
	logger         *log.Logger
	onPublish      func(topic string, err error)
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(cfg *Config, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   cfg.OnStateChange,
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = EncodingJSON
	}

	return &KafkaClient{
		brokers:        cfg.Brokers,
		encoding:       encoding,
		logger:         logger.WithComponent("kafka"),
		onPublish:      cfg.OnPublish,
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// Encoding returns the encoding used by Publish
func (k *KafkaClient) Encoding() string {
	return k.encoding
}

// GetProducer gets or creates a Kafka producer for a topic
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

// Publish encodes event with the client's encoding and publishes it
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, event Event) error {
	switch k.encoding {
	case EncodingProto:
		msg, err := event.ToProto()
		if err != nil {
			k.observePublish(topic, err)
			return errors.Wrap(err, errors.ErrorTypeValidation, "proto_convert",
				"failed to convert event").
				WithContext("topic", topic)
		}
		return k.PublishProto(ctx, topic, key, msg)
	case EncodingJSON:
		data, err := json.Marshal(event)
		if err != nil {
			k.observePublish(topic, err)
			return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
				"failed to marshal event").
				WithContext("topic", topic)
		}
		return k.PublishJSON(ctx, topic, key, data)
	default:
		err := errors.New(errors.ErrorTypeValidation, "publish",
			"unsupported event encoding").
			WithContext("encoding", k.encoding)
		k.observePublish(topic, err)
		return err
	}
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		k.observePublish(topic, err)
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	err = k.write(ctx, "publish_message", topic, key, data)
	k.observePublish(topic, err)
	return err
}

// PublishJSON publishes a JSON message to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	err := k.write(ctx, "publish_json", topic, key, data)
	k.observePublish(topic, err)
	return err
}

func (k *KafkaClient) write(ctx context.Context, op, topic, key string, data []byte) error {
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

func (k *KafkaClient) observePublish(topic string, err error) {
	if k.onPublish != nil {
		k.onPublish(topic, err)
	}
}

// Decode unmarshals a message value in the given encoding into v, which
// must be a pointer to one of the message types.
func Decode(encoding string, data []byte, v any) error {
	switch encoding {
	case EncodingJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal",
				"failed to unmarshal JSON message").
				WithContext("message_size", len(data))
		}
		return nil
	case EncodingProto:
		s := &structpb.Struct{}
		if err := proto.Unmarshal(data, s); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
				"failed to unmarshal protobuf message").
				WithContext("message_size", len(data))
		}
		if err := fromStruct(s, v); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
				"protobuf message does not match the event schema")
		}
		return nil
	default:
		return errors.New(errors.ErrorTypeValidation, "decode", "unsupported event encoding").
			WithContext("encoding", encoding)
	}
}

// MessageHandler handles one consumed message value
type MessageHandler func(ctx context.Context, key string, value []byte) error

// StartConsumer reads topic as groupID and passes every message to handler
// until ctx is done. Handler errors are logged and do not stop the loop.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handler MessageHandler) error {
	reader := k.GetConsumer(topic, groupID)

	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		msg, err := circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
			return reader.ReadMessage(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			k.logger.WithError(err).Error("failed to consume message", "topic", topic)
			// back off while the breaker is open or the broker is away
			select {
			case <-ctx.Done():
			case <-time.After(k.retryConfig.BaseDelay):
			}
			continue
		}

		key := string(msg.Key)
		k.logger.Debug("consumed message", "topic", msg.Topic, "key", key, "size", len(msg.Value))

		if err := handler(ctx, key, msg.Value); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", key)
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
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
