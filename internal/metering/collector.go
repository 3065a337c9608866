package metering

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchInserter persists buffered calls.
type BatchInserter interface {
	BatchInsert(ctx context.Context, calls []Call) error
}

// Collector buffers vendor call records and writes them in batches, either
// when batchSize is reached or every flushInterval. Safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Call
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	running       atomic.Bool
	finished      chan struct{}
}

func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Call, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		finished:      make(chan struct{}),
	}
}

// Start flushes on a timer until Stop is called or ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer close(c.finished)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record buffers a call, flushing immediately when the batch is full.
func (c *Collector) Record(call Call) {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, call)
	full := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if full {
		c.flush()
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Call, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush vendor call records", "count", len(batch), "error", err)
	}
}

// Stop ends Start and waits for its final flush, so calls recorded before
// Stop are not lost on shutdown. Calling it more than once is safe.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	if c.running.Load() {
		<-c.finished
	}
}
