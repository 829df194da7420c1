// Package worker consumes booking events from the EventBus and runs them
// through the detector.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/keelguard/internal/detector"
	"github.com/opensource-finance/keelguard/internal/domain"
)

// ErrStopped is returned for messages that arrive while the worker stops.
var ErrStopped = errors.New("worker stopped")

const shardBuffer = 64

// Processor runs one booking event through the pipeline.
type Processor interface {
	ProcessEvent(ctx context.Context, ev *domain.BookingEvent) (*detector.IngestResult, error)
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of events processed in parallel. Events of
	// the same user always go to the same goroutine.
	Concurrency int
}

type job struct {
	msgID    string
	event    *domain.BookingEvent
	received time.Time
}

// Worker processes booking events asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	processor Processor
	logger    *slog.Logger

	mu       sync.RWMutex
	sub      domain.Subscription
	shards   []chan job
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, processor Processor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		processor: processor,
		logger:    logger,
		stopping:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to booking events and starts the processing goroutines.
func (w *Worker) Start(cfg Config) error {
	n := max(cfg.Concurrency, 1)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil || w.closed {
		return errors.New("worker already started")
	}

	w.shards = make([]chan job, n)
	for i := range w.shards {
		w.shards[i] = make(chan job, shardBuffer)
		w.wg.Add(1)
		go w.run(w.shards[i])
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBookingEvent, w.handleMessage)
	if err != nil {
		for _, ch := range w.shards {
			close(ch)
		}
		w.shards = nil
		w.wg.Wait()
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicBookingEvent, err)
	}
	w.sub = sub

	w.logger.Info("worker started",
		"topic", domain.TopicBookingEvent,
		"concurrency", n,
	)
	return nil
}

// handleMessage decodes a booking event and queues it on its user's shard.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var ev domain.BookingEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to parse booking event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || len(w.shards) == 0 {
		return ErrStopped
	}

	shard := w.shards[shardFor(ev.UserID, len(w.shards))]
	select {
	case shard <- job{msgID: msg.ID, event: &ev, received: time.Now()}:
		return nil
	case <-w.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardFor(userID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

func (w *Worker) run(jobs <-chan job) {
	defer w.wg.Done()
	for j := range jobs {
		w.process(j)
	}
}

func (w *Worker) process(j job) {
	start := time.Now()

	res, err := w.processor.ProcessEvent(w.ctx, j.event)
	if err != nil {
		w.failed.Add(1)
		level := slog.LevelError
		if errors.Is(err, domain.ErrInputInvalid) {
			level = slog.LevelWarn
		}
		w.logger.Log(w.ctx, level, "failed to process booking event",
			"message_id", j.msgID,
			"user_id", j.event.UserID,
			"event_id", j.event.ID,
			"error", err,
		)
		return
	}

	if res.Duplicate {
		w.duplicates.Add(1)
		return
	}
	w.processed.Add(1)

	w.logger.Debug("booking event processed",
		"message_id", j.msgID,
		"user_id", res.Event.UserID,
		"event_id", res.Event.ID,
		"probability", res.Assessment.Probability,
		"queued_ms", start.Sub(j.received).Milliseconds(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes, finishes queued events and stops the goroutines.
func (w *Worker) Stop() error {
	w.mu.RLock()
	sub := w.sub
	w.mu.RUnlock()

	var err error
	if sub != nil {
		if err = sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	// unblock handlers waiting on a full shard before taking the write lock
	w.stopOnce.Do(func() { close(w.stopping) })

	w.mu.Lock()
	if !w.closed {
		w.closed = true
		for _, ch := range w.shards {
			close(ch)
		}
	}
	w.sub = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.cancel()

	w.logger.Info("worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return err
}

// Stats holds worker counters.
type Stats struct {
	Subscribed bool   `json:"subscribed"`
	Topic      string `json:"topic,omitempty"`
	Shards     int    `json:"shards"`
	Processed  int64  `json:"processed"`
	Duplicates int64  `json:"duplicates"`
	Failed     int64  `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Stats{
		Subscribed: w.sub != nil,
		Processed:  w.processed.Load(),
		Duplicates: w.duplicates.Load(),
		Failed:     w.failed.Load(),
	}
	if w.sub != nil {
		s.Topic = w.sub.Topic()
		s.Shards = len(w.shards)
	}
	return s
}
