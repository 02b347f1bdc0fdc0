// Package ingestion routes batches of inbound events to the event processing pipelines.
//
// A batch is first (optionally) used for advancing the teams' latest event watermarks, then split into
// sub-batches whose events can be handled independently of each other: sub-batches are processed one after
// the other so that events of the same person keep their relative order.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-ingestion-router/ingestion/event"
	"github.com/rudderlabs/rudder-ingestion-router/ingestion/subbatch"
	"github.com/rudderlabs/rudder-ingestion-router/ingestion/throughput"
)

// ErrInvalidMaxSubBatchSize is returned by [New] if the configured max sub-batch size is not positive
var ErrInvalidMaxSubBatchSize = errors.New("Ingestion.maxSubBatchSize must be positive")

// Pipeline is the entry point of an event processing pipeline
type Pipeline interface {
	Run(ctx context.Context, e *event.ParsedEvent) error
}

// Pipelines are the two destinations of the routed events: events with a resolved team go to the primary
// pipeline, all the others to the fallback one which resolves the team by itself.
type Pipelines struct {
	Primary  Pipeline
	Fallback Pipeline
}

// OffsetResolver is notified about messages whose processing is complete, along with all the previous
// messages of the same partition
type OffsetResolver interface {
	ResolveOffset(ctx context.Context, msg *event.InboundMessage) error
}

type Opt func(*Handle)

// WithCheckAndPause sets a hook called before dispatching each event, blocking until there is capacity
// for it
func WithCheckAndPause(fn func(ctx context.Context) error) Opt {
	return func(h *Handle) {
		h.dispatcher.checkAndPause = fn
	}
}

// WithThroughputCounter replaces the counter logging the number of processed events
func WithThroughputCounter(c *throughput.Counter) Opt {
	return func(h *Handle) {
		h.dispatcher.throughput = c
	}
}

type Handle struct {
	logger     logger.Logger
	dispatcher *dispatcher
	watermarks *watermarkAggregator

	config struct {
		maxSubBatchSize             int
		updateLatestEventCapturedAt config.ValueLoader[bool]
		subBatchConcurrency         config.ValueLoader[int]
	}

	stats struct {
		batchSize             stats.Measurement
		subBatches            stats.Measurement
		processingTime        stats.Measurement
		watermarkUpdateErrors stats.Measurement
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	teamLookup teamLookup,
	watermarkRepo watermarkRepo,
	pipelines Pipelines,
	opts ...Opt,
) (*Handle, error) {
	if pipelines.Primary == nil || pipelines.Fallback == nil {
		return nil, errors.New("both primary and fallback pipelines are required")
	}
	h := &Handle{logger: log.Child("ingestion")}
	h.config.maxSubBatchSize = conf.GetIntVar(500, 1, "Ingestion.maxSubBatchSize")
	if h.config.maxSubBatchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxSubBatchSize, h.config.maxSubBatchSize)
	}
	h.config.updateLatestEventCapturedAt = conf.GetReloadableBoolVar(false, "Ingestion.updateLatestEventCapturedAt")
	h.config.subBatchConcurrency = conf.GetReloadableIntVar(1, 1, "Ingestion.subBatchConcurrency")

	h.dispatcher = newDispatcher(h.logger, statsFactory, pipelines,
		throughput.New(h.logger, conf.GetDurationVar(10, time.Second, "Ingestion.throughputLogInterval")),
	)
	h.watermarks = newWatermarkAggregator(conf, h.logger, statsFactory, teamLookup, watermarkRepo)

	h.stats.batchSize = statsFactory.NewStat("ingestion_batch_size", stats.HistogramType)
	h.stats.subBatches = statsFactory.NewStat("ingestion_sub_batches", stats.HistogramType)
	h.stats.processingTime = statsFactory.NewStat("ingestion_batch_processing_time", stats.TimerType)
	h.stats.watermarkUpdateErrors = statsFactory.NewStat("ingestion_watermark_update_errors", stats.CountType)

	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type item struct {
	msg   *event.InboundMessage
	event *event.ParsedEvent
}

// ProcessBatch routes all the messages of a batch to the pipelines. The resolver, if any, is notified about
// the last message of every partition of a sub-batch once the sub-batch has been completely dispatched.
// The first error aborts the batch: the messages of the sub-batch that failed and of the following ones are
// left unresolved.
func (h *Handle) ProcessBatch(ctx context.Context, msgs []*event.InboundMessage, resolver OffsetResolver) error {
	start := time.Now()
	defer h.stats.processingTime.Since(start)
	h.stats.batchSize.Observe(float64(len(msgs)))

	if h.config.updateLatestEventCapturedAt.Load() {
		watermarks := h.watermarks.Aggregate(ctx, msgs)
		if err := h.watermarks.Persist(ctx, watermarks); err != nil {
			h.stats.watermarkUpdateErrors.Increment()
			h.logger.Warnn("Updating latest event captured at", obskit.Error(err))
		}
	}

	items := make([]item, len(msgs))
	for i, msg := range msgs {
		e, err := event.Parse(msg)
		if err != nil {
			return err
		}
		items[i] = item{msg: msg, event: e}
	}

	subBatches, err := subbatch.Split(items, h.config.maxSubBatchSize, func(it item) string {
		return subbatch.OrderingKey(it.event)
	})
	if err != nil {
		return err
	}
	h.stats.subBatches.Observe(float64(len(subBatches)))

	for i, subBatch := range subBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.dispatchSubBatch(ctx, subBatch); err != nil {
			return fmt.Errorf("sub-batch %d/%d: %w", i+1, len(subBatches), err)
		}
		if resolver != nil {
			for _, msg := range lastOfEachPartition(subBatch) {
				if err := resolver.ResolveOffset(ctx, msg); err != nil {
					return fmt.Errorf("resolving offset of %s: %w", msg, err)
				}
			}
		}
	}

	h.logger.Debugn("Batch processed",
		logger.NewIntField("messages", int64(len(msgs))),
		logger.NewIntField("subBatches", int64(len(subBatches))),
		logger.NewDurationField("duration", time.Since(start)),
	)
	return nil
}

// lastOfEachPartition returns the last message of each topic partition present in the sub-batch,
// in order of first appearance
func lastOfEachPartition(subBatch []item) []*event.InboundMessage {
	type topicPartition struct {
		topic     string
		partition int
	}
	var (
		order []topicPartition
		last  = make(map[topicPartition]*event.InboundMessage)
	)
	for _, it := range subBatch {
		tp := topicPartition{it.msg.Topic, it.msg.Partition}
		if _, ok := last[tp]; !ok {
			order = append(order, tp)
		}
		last[tp] = it.msg
	}
	msgs := make([]*event.InboundMessage, len(order))
	for i, tp := range order {
		msgs[i] = last[tp]
	}
	return msgs
}

// dispatchSubBatch dispatches the events of a sub-batch, possibly concurrently since they all have
// different ordering keys. It returns once all of them are done.
func (h *Handle) dispatchSubBatch(ctx context.Context, subBatch []item) error {
	concurrency := h.config.subBatchConcurrency.Load()
	if concurrency <= 1 || len(subBatch) == 1 {
		for _, it := range subBatch {
			if err := h.dispatcher.dispatch(ctx, it.event); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, it := range subBatch {
		g.Go(func() error {
			return h.dispatcher.dispatch(gctx, it.event)
		})
	}
	return g.Wait()
}
