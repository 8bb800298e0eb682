package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type gatedBuffer struct {
	gate    chan struct{}
	started chan struct{}

	mu      sync.Mutex
	entries []Entry
}

func newGatedBuffer() *gatedBuffer {
	return &gatedBuffer{gate: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (b *gatedBuffer) Append(_ context.Context, _ string, entry Entry) {
	b.started <- struct{}{}
	<-b.gate
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
}

func (b *gatedBuffer) Recent(context.Context, string, int) []Entry {
	<-b.gate
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

func (b *gatedBuffer) stored() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

func TestRecorderAppendDoesNotWaitForStore(t *testing.T) {
	buffer := newGatedBuffer()
	recorder := NewRecorder(buffer, RecorderConfig{})

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		for i := 0; i < 3; i++ {
			recorder.Append(context.Background(), "w1", entryAt(i))
		}
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("append blocked on a stalled store")
	}

	close(buffer.gate)
	if err := recorder.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	stored := buffer.stored()
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored entries, got %d", len(stored))
	}
	for i, entry := range stored {
		if entry.Content != entryAt(i).Content {
			t.Fatalf("entry %d out of order: %q", i, entry.Content)
		}
	}
}

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	buffer := newGatedBuffer()
	recorder := NewRecorder(buffer, RecorderConfig{QueueSize: 1, Logger: zap.New(core)})

	recorder.Append(context.Background(), "w1", entryAt(0))
	<-buffer.started
	recorder.Append(context.Background(), "w1", entryAt(1))
	recorder.Append(context.Background(), "w1", entryAt(2))

	if logs.FilterMessage("chat entry dropped: history store is falling behind").Len() != 1 {
		t.Fatalf("expected one dropped entry to be logged, got %d logs", logs.Len())
	}
	close(buffer.gate)
	if err := recorder.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stored := buffer.stored(); len(stored) != 2 {
		t.Fatalf("expected 2 stored entries, got %d", len(stored))
	}

	recorder.Append(context.Background(), "w1", entryAt(3))
	if err := recorder.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if stored := buffer.stored(); len(stored) != 2 {
		t.Fatalf("append after close must be dropped, got %d entries", len(stored))
	}
}

func TestRecorderRecentGivesUpOnSlowStore(t *testing.T) {
	buffer := newGatedBuffer()
	defer close(buffer.gate)
	recorder := NewRecorder(buffer, RecorderConfig{Timeout: 50 * time.Millisecond})

	started := time.Now()
	if entries := recorder.Recent(context.Background(), "w1", 50); entries != nil {
		t.Fatalf("expected no history from a stalled store, got %d entries", len(entries))
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("recent waited %v", elapsed)
	}
}

func TestRecorderCloseHonorsDeadline(t *testing.T) {
	buffer := newGatedBuffer()
	defer close(buffer.gate)
	recorder := NewRecorder(buffer, RecorderConfig{})
	recorder.Append(context.Background(), "w1", entryAt(0))
	<-buffer.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := recorder.Close(ctx); err == nil {
		t.Fatalf("expected close to report the undrained queue")
	}
}
