package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
	"github.com/rudderlabs/rudder-ingestion-router/services/streammanager/kafka/client"
)

type mockBatch struct {
	resolved []client.Message
}

func (b *mockBatch) Resolve(_ context.Context, msg client.Message) error {
	b.resolved = append(b.resolved, msg)
	return nil
}

func TestToInboundMessages(t *testing.T) {
	now := time.Now()
	msgs := toInboundMessages([]client.Message{{
		Topic:     "events_plugin_ingestion",
		Partition: 3,
		Offset:    42,
		Key:       []byte("key"),
		Value:     []byte("value"),
		Headers:   []client.MessageHeader{{Key: "team_id", Value: []byte("2")}},
		Timestamp: now,
	}})
	require.Equal(t, []*event.InboundMessage{{
		Topic:     "events_plugin_ingestion",
		Partition: 3,
		Offset:    42,
		Key:       []byte("key"),
		Value:     []byte("value"),
		Headers:   []event.Header{{Key: "team_id", Value: []byte("2")}},
		Timestamp: now,
	}}, msgs)
	require.Empty(t, toInboundMessages(nil))
}

func TestOffsetResolver(t *testing.T) {
	b := &mockBatch{}
	r := offsetResolver{batch: b}
	require.NoError(t, r.ResolveOffset(context.Background(), &event.InboundMessage{Topic: "events", Partition: 1, Offset: 7}))
	require.Equal(t, []client.Message{{Topic: "events", Partition: 1, Offset: 7}}, b.resolved)
}
