package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/keelguard/internal/bus"
	"github.com/opensource-finance/keelguard/internal/detector"
	"github.com/opensource-finance/keelguard/internal/domain"
)

type recordingProcessor struct {
	mu     sync.Mutex
	seen   map[string]bool
	byUser map[string][]string
	delay  time.Duration
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		seen:   make(map[string]bool),
		byUser: make(map[string][]string),
	}
}

func (p *recordingProcessor) ProcessEvent(_ context.Context, ev *domain.BookingEvent) (*detector.IngestResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[ev.ID] {
		return &detector.IngestResult{Event: ev, Duplicate: true}, nil
	}
	p.seen[ev.ID] = true
	p.byUser[ev.UserID] = append(p.byUser[ev.UserID], ev.ID)
	return &detector.IngestResult{
		Event:      ev,
		Assessment: &domain.RiskAssessment{UserID: ev.UserID, EventID: ev.ID},
	}, nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func (p *recordingProcessor) events(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.byUser[userID]...)
}

func publishEvent(t *testing.T, b domain.EventBus, ev domain.BookingEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicBookingEvent, ev.UserID, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, newRecordingProcessor(), nil)
		if err := w.Start(Config{Concurrency: 3}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if !stats.Subscribed || stats.Shards != 3 {
			t.Errorf("expected subscribed with 3 shards, got %+v", stats)
		}
		if stats.Topic != domain.TopicBookingEvent {
			t.Errorf("expected topic %s, got %s", domain.TopicBookingEvent, stats.Topic)
		}

		if err := w.Start(Config{Concurrency: 1}); err == nil {
			t.Error("expected error on second Start")
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().Subscribed {
			t.Error("expected no subscription after stop")
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}
	})

	t.Run("ProcessEvents", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		proc := newRecordingProcessor()
		w := NewWorker(eventBus, proc, nil)
		if err := w.Start(Config{Concurrency: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		for i := 0; i < 5; i++ {
			publishEvent(t, eventBus, domain.BookingEvent{
				ID:     fmt.Sprintf("e%d", i),
				UserID: fmt.Sprintf("u%d", i%2),
				Type:   domain.EventBooked,
			})
		}

		waitFor(t, func() bool { return w.GetStats().Processed == 5 })
		if proc.count() != 5 {
			t.Errorf("expected 5 processed events, got %d", proc.count())
		}
	})

	t.Run("DuplicatesAndFailures", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, newRecordingProcessor(), nil)
		if err := w.Start(Config{Concurrency: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		ev := domain.BookingEvent{ID: "same", UserID: "u1", Type: domain.EventBooked}
		publishEvent(t, eventBus, ev)
		publishEvent(t, eventBus, ev)
		publishEvent(t, eventBus, domain.BookingEvent{ID: "bad", UserID: "u1", Type: "refunded"})
		if err := eventBus.Publish(context.Background(), domain.TopicBookingEvent, "u1", []byte("{not json")); err != nil {
			t.Fatalf("publish: %v", err)
		}

		waitFor(t, func() bool {
			s := w.GetStats()
			return s.Processed == 1 && s.Duplicates == 1 && s.Failed == 2
		})
	})
}

func TestWorkerKeepsPerUserOrder(t *testing.T) {
	eventBus := bus.NewChannelBus(1000)
	defer eventBus.Close()

	proc := newRecordingProcessor()
	proc.delay = time.Millisecond
	w := NewWorker(eventBus, proc, nil)
	if err := w.Start(Config{Concurrency: 4}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	users := []string{"alice", "bob", "carol"}
	const perUser = 20
	for i := 0; i < perUser; i++ {
		for _, u := range users {
			publishEvent(t, eventBus, domain.BookingEvent{
				ID:     fmt.Sprintf("%s-%02d", u, i),
				UserID: u,
				Type:   domain.EventBooked,
			})
		}
	}

	waitFor(t, func() bool { return proc.count() == perUser*len(users) })

	for _, u := range users {
		got := proc.events(u)
		for i, id := range got {
			if want := fmt.Sprintf("%s-%02d", u, i); id != want {
				t.Fatalf("user %s: position %d got %s, want %s", u, i, id, want)
			}
		}
	}
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	proc := newRecordingProcessor()
	proc.delay = 5 * time.Millisecond
	w := NewWorker(eventBus, proc, nil)
	if err := w.Start(Config{Concurrency: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		publishEvent(t, eventBus, domain.BookingEvent{ID: fmt.Sprintf("e%d", i), UserID: "u1", Type: domain.EventBooked})
	}
	// wait until every message has left the bus and sits on the shard
	waitFor(t, func() bool { return proc.count() > 0 })
	time.Sleep(20 * time.Millisecond)

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	stats := w.GetStats()
	if stats.Processed+stats.Failed != int64(proc.count()) {
		t.Errorf("stats %+v disagree with processor count %d", stats, proc.count())
	}
	if proc.count() == 0 {
		t.Error("expected queued events to be processed before stop returned")
	}
}

func TestStartSubscribeFailure(t *testing.T) {
	w := NewWorker(failingBus{}, newRecordingProcessor(), nil)
	if err := w.Start(Config{Concurrency: 2}); err == nil {
		t.Fatal("expected subscribe error")
	}
	if w.GetStats().Subscribed {
		t.Error("expected no subscription")
	}
}

func TestHandleMessageAfterStop(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	w := NewWorker(eventBus, newRecordingProcessor(), nil)
	if err := w.Start(Config{Concurrency: 1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()

	payload, _ := json.Marshal(domain.BookingEvent{ID: "late", UserID: "u1", Type: domain.EventBooked})
	err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", Payload: payload})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestShardFor(t *testing.T) {
	for _, u := range []string{"", "alice", "bob"} {
		first := shardFor(u, 8)
		if first < 0 || first >= 8 {
			t.Fatalf("shard %d out of range", first)
		}
		if shardFor(u, 8) != first {
			t.Errorf("shard for %q not stable", u)
		}
	}
}

type failingBus struct{}

func (failingBus) Publish(context.Context, string, string, []byte) error { return nil }
func (failingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("broker down")
}
func (failingBus) Ping(context.Context) error { return nil }
func (failingBus) Close() error               { return nil }
