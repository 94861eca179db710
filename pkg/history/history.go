package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned when the async queue cannot take a batch.
	ErrQueueFull = errors.New("history queue is full")

	// ErrStopped is returned when recording after Stop.
	ErrStopped = errors.New("history recorder stopped")
)

// Appender persists status history entries.
type Appender interface {
	AppendHistory(ctx context.Context, entries []store.StatusHistory) error
}

// Recorder writes status history entries after the membership write they
// mirror has committed.
type Recorder interface {
	Start(ctx context.Context) error
	Stop() error

	// Record hands a batch of entries to the recorder. A nil error from an
	// async recorder only means the batch was queued.
	Record(ctx context.Context, entries []store.StatusHistory) error
}

// NewRecorder returns the recorder for the configured history mode.
// Transactional mode writes history inside the membership transaction and
// only uses the returned recorder outside of it.
func NewRecorder(
	log logrus.FieldLogger,
	appender Appender,
	cfg *config.HistoryConfig,
) Recorder {
	if cfg.Mode == config.HistoryModeAsync {
		return newAsyncRecorder(log, appender, cfg)
	}

	return &syncRecorder{appender: appender}
}

// Compile-time interface checks.
var (
	_ Recorder = (*syncRecorder)(nil)
	_ Recorder = (*asyncRecorder)(nil)
)

type syncRecorder struct {
	appender Appender
}

func (r *syncRecorder) Start(_ context.Context) error { return nil }

func (r *syncRecorder) Stop() error { return nil }

func (r *syncRecorder) Record(
	ctx context.Context, entries []store.StatusHistory,
) error {
	if len(entries) == 0 {
		return nil
	}

	return r.appender.AppendHistory(ctx, entries)
}

type asyncRecorder struct {
	log           logrus.FieldLogger
	appender      Appender
	maxRetries    int
	retryInterval time.Duration
	queue         chan []store.StatusHistory
	done          chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	stopped       bool
}

func newAsyncRecorder(
	log logrus.FieldLogger,
	appender Appender,
	cfg *config.HistoryConfig,
) *asyncRecorder {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = config.DefaultHistoryQueueSize
	}

	return &asyncRecorder{
		log:           log.WithField("component", "history"),
		appender:      appender,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		queue:         make(chan []store.StatusHistory, queueSize),
		done:          make(chan struct{}),
	}
}

// Start launches the background writer.
func (r *asyncRecorder) Start(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"queue_size":  cap(r.queue),
		"max_retries": r.maxRetries,
	}).Info("Starting history writer")

	writeCtx := context.WithoutCancel(ctx)

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		for entries := range r.queue {
			r.write(writeCtx, entries)
		}
	}()

	return nil
}

// Stop refuses new batches, drains the queue and waits for the writer.
func (r *asyncRecorder) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()

		return nil
	}

	r.stopped = true
	close(r.done)
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()

	r.log.Info("History writer stopped")

	return nil
}

func (r *asyncRecorder) Record(
	_ context.Context, entries []store.StatusHistory,
) error {
	if len(entries) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		return ErrStopped
	}

	select {
	case r.queue <- entries:
		return nil
	default:
		return fmt.Errorf("%w: dropping %d entries", ErrQueueFull, len(entries))
	}
}

// write appends one batch, retrying up to maxRetries times. Retries are
// cut short once Stop is called so shutdown is not held up.
func (r *asyncRecorder) write(ctx context.Context, entries []store.StatusHistory) {
	var err error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.retryInterval):
			case <-r.done:
			}
		}

		if err = r.appender.AppendHistory(ctx, entries); err == nil {
			return
		}

		r.log.WithError(err).
			WithField("attempt", attempt+1).
			Warn("Failed to append status history")
	}

	r.log.WithError(err).
		WithFields(batchFields(entries)).
		Error("Giving up on status history batch")
}

// batchFields describes a history batch for logging.
func batchFields(entries []store.StatusHistory) logrus.Fields {
	fields := logrus.Fields{"entries": len(entries)}
	if len(entries) > 0 {
		fields["run_id"] = entries[0].RunID
		fields["batch_id"] = entries[0].BatchID
	}

	return fields
}
