package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-ledger/internal/models"
	"github.com/example/carpool-ledger/internal/storage"
)

// flakyJournal fails the first fail appends.
type flakyJournal struct {
	fail  int
	calls int
	inner *storage.MemoryStore
}

func (f *flakyJournal) AppendEvent(ctx context.Context, ev models.LifecycleEvent) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("connection reset")
	}
	return f.inner.AppendEvent(ctx, ev)
}

func accepted() models.LifecycleEvent {
	return models.LifecycleEvent{
		Type:   models.EventRideAccepted,
		RideID: 5,
		Actor:  common.HexToAddress("0xb0b"),
		TxHash: common.HexToHash("0x05"),
		Status: models.StatusAccepted,
		At:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyJournal{fail: 2, inner: storage.NewMemoryStore()}
	start := time.Now()
	if err := appendWithRetry(context.Background(), f, accepted(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
	if got := f.inner.Events(5); len(got) != 1 {
		t.Fatalf("expected one journaled event, got %d", len(got))
	}
}

func TestAppendWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyJournal{fail: 5, inner: storage.NewMemoryStore()}
	if err := appendWithRetry(context.Background(), f, accepted(), 3, 5*time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestAppendWithRetry_StopsOnCancel(t *testing.T) {
	f := &flakyJournal{fail: 5, inner: storage.NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := appendWithRetry(ctx, f, accepted(), 5, time.Hour)
	if !errors.Is(err, context.Canceled) || f.calls != 1 {
		t.Fatalf("expected a single attempt then cancel, got calls=%d err=%v", f.calls, err)
	}
}

// scriptedReader serves msgs in order, then blocks until ctx ends.
type scriptedReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func TestLoopCommitsOnlyJournaledMessages(t *testing.T) {
	payload, err := json.Marshal(accepted())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{
		msgs: []kafka.Message{
			{Offset: 1, Key: []byte("5"), Value: payload},
			{Offset: 2, Value: []byte("not json")},
			{Offset: 3, Key: []byte("5"), Value: payload},
		},
		cancel: cancel,
	}
	journal := storage.NewMemoryStore()
	c := &consumer{journal: journal, attempts: 1, delay: time.Millisecond, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	if err := c.loop(ctx, r); err != nil {
		t.Fatal(err)
	}
	if len(r.committed) != 3 {
		t.Fatalf("expected all three offsets committed, got %v", r.committed)
	}
	if got := journal.Events(5); len(got) != 1 {
		t.Fatalf("redelivered event must be journaled once, got %d", len(got))
	}
}

func TestLoopRetriesFailedWriteBeforeLaterOffsets(t *testing.T) {
	first, _ := json.Marshal(accepted())
	next := accepted()
	next.Type, next.Status, next.TxHash = models.EventRideCompleted, models.StatusCompleted, common.HexToHash("0x06")
	second, _ := json.Marshal(next)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{
		msgs: []kafka.Message{
			{Offset: 9, Value: first},
			{Offset: 10, Value: second},
		},
		cancel: cancel,
	}
	// both attempts of the first round fail, the second round succeeds
	journal := &flakyJournal{fail: 3, inner: storage.NewMemoryStore()}
	c := &consumer{journal: journal, attempts: 2, delay: time.Millisecond, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	if err := c.loop(ctx, r); err != nil {
		t.Fatal(err)
	}
	if len(r.committed) != 2 || r.committed[0] != 9 || r.committed[1] != 10 {
		t.Fatalf("expected offsets [9 10] committed in order, got %v", r.committed)
	}
	got := journal.inner.Events(5)
	if len(got) != 2 || got[0].Type != models.EventRideAccepted || got[1].Type != models.EventRideCompleted {
		t.Fatalf("expected both events journaled in order, got %+v", got)
	}
}

func TestLoopLeavesFailedWriteUncommittedOnShutdown(t *testing.T) {
	payload, _ := json.Marshal(accepted())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := &scriptedReader{
		msgs:   []kafka.Message{{Offset: 9, Value: payload}, {Offset: 10, Value: payload}},
		cancel: cancel,
	}
	c := &consumer{
		journal:  &flakyJournal{fail: 1 << 30, inner: storage.NewMemoryStore()},
		attempts: 2,
		delay:    time.Millisecond,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if err := c.loop(ctx, r); err != nil {
		t.Fatal(err)
	}
	if len(r.committed) != 0 {
		t.Fatalf("failed write must not be committed, got %v", r.committed)
	}
	if len(r.msgs) != 1 {
		t.Fatalf("loop must not fetch past the failing offset, %d left", len(r.msgs))
	}
}
