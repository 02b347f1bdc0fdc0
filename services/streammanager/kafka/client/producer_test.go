package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	written  []kafka.Message
	deadline bool
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducer_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w}
	p.config.defaults()

	now := time.Now()
	err := p.Publish(context.Background(), Message{
		Key:       []byte("2:user-1"),
		Value:     []byte(`{"event":"$pageview"}`),
		Topic:     "ignored",
		Timestamp: now,
		Headers:   []MessageHeader{{Key: "team_id", Value: []byte("2")}},
	})
	require.NoError(t, err)
	require.True(t, w.deadline, "a default timeout is applied")
	require.Equal(t, []kafka.Message{{
		Key:     []byte("2:user-1"),
		Value:   []byte(`{"event":"$pageview"}`),
		Time:    now,
		Headers: []kafka.Header{{Key: "team_id", Value: []byte("2")}},
	}}, w.written, "the topic is set by the writer")

	w.err = errors.New("leader not available")
	require.ErrorContains(t, p.Publish(context.Background(), Message{}), "leader not available")

	require.NoError(t, p.Close(context.Background()))
	require.True(t, w.closed)
}

func TestNew(t *testing.T) {
	_, err := New("tcp", nil, Config{})
	require.Error(t, err)

	c, err := New("tcp", []string{"localhost:9092"}, Config{ClientID: "ingestion"})
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, c.config.DialTimeout)
	require.Equal(t, "ingestion", c.dialer.ClientID)

	_, err = c.NewConsumer(ConsumerConfig{Topic: "events"})
	require.ErrorContains(t, err, "group id")
	_, err = c.NewConsumer(ConsumerConfig{GroupID: "ingestion"})
	require.ErrorContains(t, err, "topic")
}
