// Package queue buffers domain events in memory, drops duplicates, and
// writes them to the durable store in batches with bounded retry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/runnerr0/tabtime/internal/config"
	"github.com/runnerr0/tabtime/internal/domain"
	"github.com/runnerr0/tabtime/internal/logging"
)

var (
	ErrShuttingDown    = errors.New("queue: shutting down")
	ErrShutdownTimeout = errors.New("queue: final flush timed out")
)

// maxBackoff caps the retry delay.
const maxBackoff = time.Minute

// Writer persists a batch of events atomically.
type Writer interface {
	AppendBatch(ctx context.Context, events []domain.Event) error
}

// Config controls batching, retry and deduplication.
type Config struct {
	MaxQueueSize   int
	MaxWait        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration

	// Events with the same kind, session id and timestamp bucket seen
	// within DedupeWindow are dropped. DedupeBucket sets how coarse
	// "same timestamp" is.
	DedupeCacheSize int
	DedupeWindow    time.Duration
	DedupeBucket    time.Duration
}

// ConfigFrom converts the queue config section.
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		MaxQueueSize:    c.MaxQueueSize,
		MaxWait:         time.Duration(c.MaxWaitMs) * time.Millisecond,
		MaxRetries:      c.MaxRetries,
		RetryBaseDelay:  time.Duration(c.RetryBaseDelayMs) * time.Millisecond,
		DedupeCacheSize: c.DedupeCacheSize,
		DedupeWindow:    time.Duration(c.DedupeWindowSeconds) * time.Second,
		DedupeBucket:    time.Duration(c.DedupeBucketMs) * time.Millisecond,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxQueueSize <= 0:
		return fmt.Errorf("queue: max queue size must be positive, got %d", c.MaxQueueSize)
	case c.MaxWait <= 0:
		return fmt.Errorf("queue: max wait must be positive, got %s", c.MaxWait)
	case c.MaxRetries < 0:
		return fmt.Errorf("queue: max retries must not be negative, got %d", c.MaxRetries)
	case c.RetryBaseDelay <= 0:
		return fmt.Errorf("queue: retry base delay must be positive, got %s", c.RetryBaseDelay)
	case c.DedupeCacheSize <= 0:
		return fmt.Errorf("queue: dedupe cache size must be positive, got %d", c.DedupeCacheSize)
	case c.DedupeWindow <= 0:
		return fmt.Errorf("queue: dedupe window must be positive, got %s", c.DedupeWindow)
	case c.DedupeBucket < time.Millisecond:
		return fmt.Errorf("queue: dedupe bucket must be at least 1ms, got %s", c.DedupeBucket)
	}
	return nil
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	TotalEnqueued      int64
	TotalProcessed     int64
	BatchCount         int64
	AverageBatchSize   float64
	LastFlush          time.Time
	DuplicatesFiltered int64
	FailedFlushes      int64
	RetriesScheduled   int64
	PermanentlyFailed  int64
	QueueSize          int
}

type item struct {
	event   domain.Event
	retries int
	retryAt time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg    Config
	writer Writer
	clock  clock.Clock
	logger *zap.Logger
	dedupe *lru.Cache[string, time.Time]

	// flushMu serializes writes so batches reach the store in FIFO order.
	flushMu sync.Mutex

	mu           sync.Mutex
	buffer       []item
	timer        *clock.Timer
	shuttingDown bool
	stats        Stats
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for timers, backoff and dedupe windows.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New validates cfg and returns a Queue writing to w.
func New(cfg Config, w Writer, opts ...Option) (*Queue, error) {
	if w == nil {
		return nil, errors.New("queue: writer is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, time.Time](cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("queue: dedupe cache: %w", err)
	}
	q := &Queue{
		cfg:    cfg,
		writer: w,
		clock:  clock.New(),
		dedupe: cache,
	}
	for _, o := range opts {
		o(q)
	}
	q.logger = logging.OrNop(q.logger).Named("queue")
	return q, nil
}

// Enqueue buffers ev for the next batch. Duplicates are counted and
// dropped without error. When the buffer reaches MaxQueueSize the batch
// is flushed before Enqueue returns; write failures are handled by the
// retry policy and never returned here.
func (q *Queue) Enqueue(ctx context.Context, ev domain.Event) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return ErrShuttingDown
	}

	now := q.clock.Now()
	key := q.dedupeKey(ev)
	if seen, ok := q.dedupe.Get(key); ok && now.Sub(seen) < q.cfg.DedupeWindow {
		q.stats.DuplicatesFiltered++
		q.mu.Unlock()
		q.logger.Debug("duplicate event dropped", zap.String("key", key))
		return nil
	}
	q.dedupe.Add(key, now)

	q.buffer = append(q.buffer, item{event: ev})
	q.stats.TotalEnqueued++

	full := len(q.buffer) >= q.cfg.MaxQueueSize
	backingOff := q.backingOffLocked(now)
	if !full || backingOff {
		q.armLocked(q.cfg.MaxWait)
	}
	q.mu.Unlock()

	if full && !backingOff {
		if _, err := q.Flush(ctx); err != nil {
			q.logger.Warn("flush on full queue failed", zap.Error(err))
		}
	}
	return nil
}

// Flush detaches the whole buffer and writes it as one batch, returning
// the number of events written. On failure every detached event goes
// back to the front of the buffer with its retry count bumped; events
// past MaxRetries are dropped, counted and logged.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	q.stopTimerLocked()
	batch := q.buffer
	q.buffer = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}

	events := lo.Map(batch, func(it item, _ int) domain.Event { return it.event })
	err := q.writer.AppendBatch(ctx, events)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		q.stats.TotalProcessed += int64(len(batch))
		q.stats.BatchCount++
		q.stats.AverageBatchSize = float64(q.stats.TotalProcessed) / float64(q.stats.BatchCount)
		q.stats.LastFlush = q.clock.Now()
		q.logger.Debug("batch written", zap.Int("count", len(batch)))
		return len(batch), nil
	}

	q.stats.FailedFlushes++
	now := q.clock.Now()
	retry := make([]item, 0, len(batch))
	for _, it := range batch {
		it.retries++
		if it.retries > q.cfg.MaxRetries {
			q.stats.PermanentlyFailed++
			q.logger.Error("event dropped after retries",
				zap.String("event_id", it.event.ID),
				zap.String("kind", string(it.event.Kind)),
				zap.String("session", it.event.SessionKey()),
				zap.Int("retries", it.retries-1),
				zap.Error(err))
			continue
		}
		it.retryAt = now.Add(q.backoff(it.retries))
		retry = append(retry, it)
	}
	q.stats.RetriesScheduled += int64(len(retry))
	q.buffer = append(retry, q.buffer...)

	if len(retry) > 0 {
		q.logger.Warn("batch write failed, retrying",
			zap.Int("count", len(retry)), zap.Duration("backoff", retry[0].retryAt.Sub(now)), zap.Error(err))
	}
	if len(q.buffer) > 0 && !q.shuttingDown {
		delay := q.cfg.MaxWait
		if len(retry) > 0 {
			delay = retry[0].retryAt.Sub(now)
		}
		q.armLocked(delay)
	}
	return 0, fmt.Errorf("queue: write batch of %d: %w", len(batch), err)
}

// Shutdown stops accepting events and makes one final flush, giving up
// after timeout. It always returns; events still buffered when the
// timeout fires are lost.
func (q *Queue) Shutdown(ctx context.Context, timeout time.Duration) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil
	}
	q.shuttingDown = true
	q.stopTimerLocked()
	q.mu.Unlock()

	deadline := q.clock.After(timeout)
	flushCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := q.Flush(flushCtx)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			q.logger.Error("final flush failed", zap.Int("lost", q.Size()), zap.Error(err))
			return err
		}
		q.logger.Info("queue shut down", zap.Int64("processed", q.Stats().TotalProcessed))
		return nil
	case <-deadline:
		cancel()
		q.logger.Error("final flush timed out", zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of buffered events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// IsEmpty reports whether the buffer is empty.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Stats returns a copy of the running statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.QueueSize = len(q.buffer)
	return s
}

// dedupeKey identifies an event semantically: kind, checkpoint kind,
// visit or activity id, and the timestamp truncated to DedupeBucket.
func (q *Queue) dedupeKey(ev domain.Event) string {
	bucket := ev.Timestamp / q.cfg.DedupeBucket.Milliseconds()
	return strings.Join([]string{
		string(ev.Kind),
		string(ev.CheckpointKind),
		ev.SessionKey(),
		strconv.FormatInt(bucket, 10),
	}, "|")
}

func (q *Queue) backoff(retries int) time.Duration {
	d := q.cfg.RetryBaseDelay << (retries - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// backingOffLocked reports whether the oldest buffered event is waiting
// out a retry delay.
func (q *Queue) backingOffLocked(now time.Time) bool {
	return len(q.buffer) > 0 && q.buffer[0].retryAt.After(now)
}

func (q *Queue) armLocked(d time.Duration) {
	if q.timer != nil || q.shuttingDown {
		return
	}
	q.timer = q.clock.AfterFunc(d, q.onTimer)
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) onTimer() {
	if _, err := q.Flush(context.Background()); err != nil {
		q.logger.Warn("deferred flush failed", zap.Error(err))
	}
}
