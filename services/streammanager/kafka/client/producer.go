package client

import (
	"context"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	ClientID string
	WriteTimeout,
	ReadTimeout,
	DefaultOpTimeout time.Duration
	MaxRetries  int
	Logger      Logger
	ErrorLogger Logger
}

func (c *ProducerConfig) defaults() {
	if c.WriteTimeout < 1 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout < 1 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.DefaultOpTimeout < 1 {
		c.DefaultOpTimeout = 30 * time.Second
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 10
	}
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer provides a high-level API for producing messages to Kafka
type Producer struct {
	writer writer
	config ProducerConfig
}

// NewProducer instantiates a new synchronous producer for the given topic
func (c *Client) NewProducer(topic string, producerConf ProducerConfig) *Producer {
	producerConf.defaults()

	dialer := &net.Dialer{
		Timeout: c.config.DialTimeout,
	}
	transport := &kafka.Transport{
		DialTimeout: c.config.DialTimeout,
		Dial:        dialer.DialContext,
	}
	if producerConf.ClientID != "" {
		transport.ClientID = producerConf.ClientID
	} else if c.config.ClientID != "" {
		transport.ClientID = c.config.ClientID
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.addresses...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchTimeout:           time.Nanosecond,
		WriteTimeout:           producerConf.WriteTimeout,
		ReadTimeout:            producerConf.ReadTimeout,
		MaxAttempts:            producerConf.MaxRetries,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Transport:              transport,
	}
	if producerConf.Logger != nil {
		w.Logger = kafka.LoggerFunc(producerConf.Logger.Printf)
	}
	if producerConf.ErrorLogger != nil {
		w.ErrorLogger = kafka.LoggerFunc(producerConf.ErrorLogger.Printf)
	}
	return &Producer{config: producerConf, writer: w}
}

// Close tries to close the producer, but it will return sooner if the context is canceled.
// A routine in background will still try to close the producer since the underlying library does not support
// contexts on Close().
func (p *Producer) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- p.writer.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Publish synchronously produces one or more messages to the producer's topic
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	messages := make([]kafka.Message, len(msgs))
	for i := range msgs {
		messages[i] = kafka.Message{
			Key:     msgs[i].Key,
			Value:   msgs[i].Value,
			Time:    msgs[i].Timestamp,
			Headers: toKafkaHeaders(msgs[i].Headers),
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, p.config.DefaultOpTimeout)
		defer cancel()
	}
	return p.writer.WriteMessages(ctx, messages...)
}
