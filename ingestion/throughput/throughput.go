package throughput

import (
	"sync"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

// Report is the summary emitted at the end of each window
type Report struct {
	Count   int64         // events counted since the previous report
	Elapsed time.Duration // time since the previous report, zero for the very first one
}

type Opt func(*Counter)

func WithNow(now func() time.Time) Opt {
	return func(c *Counter) {
		c.now = now
	}
}

// Counter counts processed events and logs the throughput once per window. Safe for concurrent use.
type Counter struct {
	log      logger.Logger
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	count       int64
	windowStart time.Time
}

func New(log logger.Logger, interval time.Duration, opts ...Opt) *Counter {
	c := &Counter{
		log:      log,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inc counts one event and, if the current window is over, logs and returns a report, starting a new window
func (c *Counter) Inc() (Report, bool) {
	c.mu.Lock()
	now := c.now()
	c.count++
	if !c.windowStart.IsZero() && now.Sub(c.windowStart) <= c.interval {
		c.mu.Unlock()
		return Report{}, false
	}
	r := Report{Count: c.count}
	if !c.windowStart.IsZero() {
		r.Elapsed = now.Sub(c.windowStart)
	}
	c.count = 0
	c.windowStart = now
	c.mu.Unlock()

	fields := []logger.Field{logger.NewIntField("events", r.Count)}
	if r.Elapsed > 0 {
		fields = append(fields, logger.NewDurationField("elapsed", r.Elapsed.Round(10*time.Millisecond)))
	}
	c.log.Infon("Processed events", fields...)
	return r, true
}
