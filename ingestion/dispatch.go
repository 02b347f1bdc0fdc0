package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
	"github.com/rudderlabs/rudder-ingestion-router/ingestion/throughput"
)

const (
	primaryPipeline  = "primary"
	fallbackPipeline = "fallback"
)

// dispatcher hands each event over to the pipeline it belongs to
type dispatcher struct {
	logger        logger.Logger
	pipelines     Pipelines
	checkAndPause func(ctx context.Context) error
	throughput    *throughput.Counter

	stats struct {
		routedPrimary  stats.Measurement
		routedFallback stats.Measurement
		dispatchTime   stats.Measurement
	}
}

func newDispatcher(log logger.Logger, statsFactory stats.Stats, pipelines Pipelines, counter *throughput.Counter) *dispatcher {
	d := &dispatcher{
		logger:     log,
		pipelines:  pipelines,
		throughput: counter,
	}
	d.stats.routedPrimary = statsFactory.NewTaggedStat("ingestion_event_routed", stats.CountType, stats.Tags{"pipeline": primaryPipeline})
	d.stats.routedFallback = statsFactory.NewTaggedStat("ingestion_event_routed", stats.CountType, stats.Tags{"pipeline": fallbackPipeline})
	d.stats.dispatchTime = statsFactory.NewStat("ingestion_event_dispatch_time", stats.TimerType)
	return d
}

func (d *dispatcher) dispatch(ctx context.Context, e *event.ParsedEvent) error {
	start := time.Now()
	if d.checkAndPause != nil {
		if err := d.checkAndPause(ctx); err != nil {
			return fmt.Errorf("waiting before dispatching event %s: %w", e.UUID, err)
		}
	}

	pipeline, name, routed := d.pipelines.Fallback, fallbackPipeline, d.stats.routedFallback
	if e.HasTeam() {
		pipeline, name, routed = d.pipelines.Primary, primaryPipeline, d.stats.routedPrimary
	}
	routed.Increment()
	if err := pipeline.Run(ctx, e); err != nil {
		return fmt.Errorf("running %s pipeline for event %s: %w", name, e.UUID, err)
	}
	d.stats.dispatchTime.Since(start)

	d.throughput.Inc()
	return nil
}
