// Package pipeline provides the entry points of the event processing pipelines the ingestion router hands
// events over to. Each pipeline is backed by a Kafka topic.
package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
	"github.com/rudderlabs/rudder-ingestion-router/ingestion/subbatch"
	"github.com/rudderlabs/rudder-ingestion-router/services/streammanager/kafka/client"
)

const (
	Primary  = "primary"
	Fallback = "fallback"
)

type publisher interface {
	Publish(ctx context.Context, msgs ...client.Message) error
}

// Pipeline publishes events to its topic, keyed by their ordering key so that events of the same
// person always land in the same partition
type Pipeline struct {
	name      string
	publisher publisher
}

func New(p publisher, name string) *Pipeline {
	return &Pipeline{name: name, publisher: p}
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) Run(ctx context.Context, e *event.ParsedEvent) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.UUID, err)
	}
	msg := client.Message{
		Key:   []byte(subbatch.OrderingKey(e)),
		Value: payload,
	}
	if e.TeamID != nil {
		msg.Headers = []client.MessageHeader{{Key: event.HeaderTeamID, Value: []byte(strconv.FormatInt(*e.TeamID, 10))}}
	} else if e.Token != "" {
		msg.Headers = []client.MessageHeader{{Key: event.HeaderToken, Value: []byte(e.Token)}}
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s pipeline: %w", p.name, err)
	}
	return nil
}
