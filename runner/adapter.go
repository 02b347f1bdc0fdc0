package runner

import (
	"context"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
	"github.com/rudderlabs/rudder-ingestion-router/services/streammanager/kafka/client"
)

func toInboundMessages(msgs []client.Message) []*event.InboundMessage {
	res := make([]*event.InboundMessage, len(msgs))
	for i := range msgs {
		headers := make([]event.Header, len(msgs[i].Headers))
		for j, h := range msgs[i].Headers {
			headers[j] = event.Header{Key: h.Key, Value: h.Value}
		}
		res[i] = &event.InboundMessage{
			Topic:     msgs[i].Topic,
			Partition: int(msgs[i].Partition),
			Offset:    msgs[i].Offset,
			Key:       msgs[i].Key,
			Value:     msgs[i].Value,
			Headers:   headers,
			Timestamp: msgs[i].Timestamp,
		}
	}
	return res
}

type batchResolver interface {
	Resolve(ctx context.Context, msg client.Message) error
}

// offsetResolver commits the offsets of the messages resolved by the ingestion handle
type offsetResolver struct {
	batch batchResolver
}

func (r offsetResolver) ResolveOffset(ctx context.Context, msg *event.InboundMessage) error {
	return r.batch.Resolve(ctx, client.Message{
		Topic:     msg.Topic,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
	})
}
