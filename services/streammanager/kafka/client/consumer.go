package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	GroupID string
	Topic   string
	// StartOffset is used when the group has no committed offset, either kafka.FirstOffset or kafka.LastOffset
	StartOffset int64
	// BatchSize is the maximum number of messages handed over in a single batch
	BatchSize int
	// BatchMaxWait is how long to wait for a batch to fill up once its first message has been received
	BatchMaxWait time.Duration

	RetryInitialInterval,
	RetryMaxInterval,
	RetryMaxElapsedTime time.Duration

	Logger      Logger
	ErrorLogger Logger
}

func (c *ConsumerConfig) defaults() {
	if c.StartOffset == 0 {
		c.StartOffset = kafka.FirstOffset
	}
	if c.BatchSize < 1 {
		c.BatchSize = 500
	}
	if c.BatchMaxWait < 1 {
		c.BatchMaxWait = time.Second
	}
	if c.RetryInitialInterval < 1 {
		c.RetryInitialInterval = 100 * time.Millisecond
	}
	if c.RetryMaxInterval < 1 {
		c.RetryMaxInterval = 10 * time.Second
	}
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchHandler processes a batch. Returning an error makes the consumer retry the batch's pending messages.
type BatchHandler func(ctx context.Context, batch *Batch) error

// Consumer reads messages in batches as part of a consumer group, committing offsets explicitly
type Consumer struct {
	reader reader
	config ConsumerConfig
}

// NewConsumer instantiates a new consumer group member
func (c *Client) NewConsumer(conf ConsumerConfig) (*Consumer, error) {
	if conf.GroupID == "" {
		return nil, fmt.Errorf("consumer group id is required")
	}
	if conf.Topic == "" {
		return nil, fmt.Errorf("consumer topic is required")
	}
	conf.defaults()

	readerConf := kafka.ReaderConfig{
		Brokers:     c.addresses,
		GroupID:     conf.GroupID,
		Topic:       conf.Topic,
		Dialer:      c.dialer,
		StartOffset: conf.StartOffset,
		MaxWait:     conf.BatchMaxWait,
	}
	if conf.Logger != nil {
		readerConf.Logger = kafka.LoggerFunc(conf.Logger.Printf)
	}
	if conf.ErrorLogger != nil {
		readerConf.ErrorLogger = kafka.LoggerFunc(conf.ErrorLogger.Printf)
	}
	return newConsumer(kafka.NewReader(readerConf), conf), nil
}

func newConsumer(r reader, conf ConsumerConfig) *Consumer {
	conf.defaults()
	return &Consumer{reader: r, config: conf}
}

// FetchBatch blocks until a message is available, then keeps collecting messages until either the batch is full
// or BatchMaxWait elapses.
func (c *Consumer) FetchBatch(ctx context.Context) (*Batch, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	messages := []Message{fromKafkaMessage(first)}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.BatchMaxWait)
	defer cancel()
	for len(messages) < c.config.BatchSize {
		msg, err := c.reader.FetchMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if waitCtx.Err() != nil {
				break
			}
			return nil, err
		}
		messages = append(messages, fromKafkaMessage(msg))
	}
	return &Batch{
		messages: messages,
		resolved: make(map[topicPartition]int64),
		commit:   c.reader.CommitMessages,
	}, nil
}

// Consume fetches batches and hands them over to the handler until the context is canceled.
// A failing handler is retried with an exponential backoff on the messages it has not resolved yet.
// Once the handler succeeds all the messages in the batch are committed.
func (c *Consumer) Consume(ctx context.Context, handler BatchHandler) error {
	for {
		batch, err := c.FetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetching batch: %w", err)
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.config.RetryInitialInterval
		bo.MaxInterval = c.config.RetryMaxInterval
		bo.MaxElapsedTime = c.config.RetryMaxElapsedTime
		err = backoff.RetryNotify(func() error {
			return handler(ctx, batch)
		}, backoff.WithContext(bo, ctx), func(err error, d time.Duration) {
			if c.config.ErrorLogger != nil {
				c.config.ErrorLogger.Printf("Handling batch of %d pending messages failed, retrying in %s: %v",
					len(batch.Pending()), d, err)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("handling batch: %w", err)
		}
		if err := batch.ResolveAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Close tries to close the consumer, but it will return sooner if the context is canceled
func (c *Consumer) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.reader.Close()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

// Batch is a set of fetched messages whose offsets can be committed progressively
type Batch struct {
	messages []Message
	commit   func(ctx context.Context, msgs ...kafka.Message) error

	mu       sync.Mutex
	resolved map[topicPartition]int64 // highest committed offset
}

// Messages returns all the messages in the batch
func (b *Batch) Messages() []Message {
	return b.messages
}

// Pending returns the messages whose offsets have not been resolved yet
func (b *Batch) Pending() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := make([]Message, 0, len(b.messages))
	for _, msg := range b.messages {
		if offset, ok := b.resolved[topicPartition{msg.Topic, msg.Partition}]; ok && msg.Offset <= offset {
			continue
		}
		pending = append(pending, msg)
	}
	return pending
}

// Resolve commits the message's offset, marking it and every previous message of the same partition as processed
func (b *Batch) Resolve(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp := topicPartition{msg.Topic, msg.Partition}
	if offset, ok := b.resolved[tp]; ok && msg.Offset <= offset {
		return nil
	}
	if err := b.commit(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("committing offset %d of %s/%d: %w", msg.Offset, msg.Topic, msg.Partition, err)
	}
	b.resolved[tp] = msg.Offset
	return nil
}

// ResolveAll commits the offsets of all the messages in the batch
func (b *Batch) ResolveAll(ctx context.Context) error {
	last := make(map[topicPartition]Message)
	var order []topicPartition
	for _, msg := range b.messages {
		tp := topicPartition{msg.Topic, msg.Partition}
		if prev, ok := last[tp]; !ok {
			order = append(order, tp)
		} else if prev.Offset > msg.Offset {
			continue
		}
		last[tp] = msg
	}
	var errs []error
	for _, tp := range order {
		if err := b.Resolve(ctx, last[tp]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
