// Package messaging carries pool events over Kafka: shares and blocks for the
// archiver, and bans shared between pool workers.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/equipool/pkg/circuit"
	"github.com/bardlex/equipool/pkg/errors"
	"github.com/bardlex/equipool/pkg/log"
	"github.com/bardlex/equipool/pkg/retry"
)

// messageWriter is the part of kafka.Writer used here
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the part of kafka.Reader used here
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaClient wraps kafka-go with a codec and per topic connection reuse
type KafkaClient struct {
	brokers        []string
	codec          Codec
	logger         *log.Logger
	writers        map[string]messageWriter
	readers        map[string]messageReader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
	newReader func(topic, groupID string) messageReader
}

// NewKafkaClient creates a client. Connections are opened lazily per topic.
func NewKafkaClient(brokers []string, codec Codec, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers: brokers,
		codec:   codec,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]messageWriter),
		readers: make(map[string]messageReader),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.BrokerConfig(),
	}
	k.newWriter = k.kafkaWriter
	k.newReader = k.kafkaReader
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

func (k *KafkaClient) kafkaReader(topic, groupID string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     time.Second,
	})
}

// producer gets or creates the writer for topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}
	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// consumer gets or creates the reader for topic and group
func (k *KafkaClient) consumer(topic, groupID string) messageReader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}
	reader := k.newReader(topic, groupID)
	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// Publish encodes v with the client codec and writes it to topic.
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, v any) error {
	data, err := k.codec.Encode(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_message",
			"failed to encode message").
			WithContext("topic", topic).
			WithContext("codec", k.codec.Name())
	}

	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}
			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeBroker, "publish_message",
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

// Decode unmarshals a consumed payload with the client codec
func (k *KafkaClient) Decode(data []byte, v any) error {
	if err := k.codec.Decode(data, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_message", "failed to decode message").
			WithContext("codec", k.codec.Name())
	}
	return nil
}

// HandlerFunc processes one consumed message
type HandlerFunc func(ctx context.Context, key string, value []byte) error

// Consume reads topic as groupID until ctx is cancelled. Handler errors are
// logged and the loop continues.
func (k *KafkaClient) Consume(ctx context.Context, topic, groupID string, handler HandlerFunc) error {
	reader := k.consumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("consumer stopping", "topic", topic)
				return ctx.Err()
			}
			k.logger.Error("failed to read message", "topic", topic, "error", err)
			if err := sleepCtx(ctx, k.retryConfig.BaseDelay); err != nil {
				return err
			}
			continue
		}

		if err := handler(ctx, string(msg.Key), msg.Value); err != nil {
			k.logger.Error("failed to handle message", "topic", topic, "key", string(msg.Key), "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
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

	k.writers = make(map[string]messageWriter)
	k.readers = make(map[string]messageReader)
	return lastErr
}
