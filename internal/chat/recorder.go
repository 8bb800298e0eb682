package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRecorderQueue   = 256
	defaultRecorderTimeout = 2 * time.Second
)

// ErrRecorderClosed is returned by Close when the queue could not drain before the deadline.
var ErrRecorderClosed = errors.New("chat: recorder closed before draining")

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// QueueSize bounds the appends waiting for the store. Appends beyond it are dropped.
	QueueSize int
	// Timeout bounds every store call.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Recorder puts a Buffer behind a single background writer. Append only enqueues, so a slow or
// unreachable store never holds up the caller; appends are written in the order they were
// accepted. Recent waits at most Timeout and returns no history when the store is slower.
type Recorder struct {
	buffer  Buffer
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan recordedEntry
	done   chan struct{}
}

type recordedEntry struct {
	room  string
	entry Entry
}

// NewRecorder starts the background writer for the buffer.
func NewRecorder(buffer Buffer, cfg RecorderConfig) *Recorder {
	if buffer == nil {
		buffer = NoopBuffer{}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRecorderTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := &Recorder{
		buffer:  buffer,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan recordedEntry, queueSize),
		done:    make(chan struct{}),
	}
	go recorder.run()
	return recorder
}

func (r *Recorder) run() {
	defer close(r.done)
	for item := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		r.buffer.Append(ctx, item.room, item.entry)
		cancel()
	}
}

// Append queues the entry for the store and returns at once.
func (r *Recorder) Append(_ context.Context, room string, entry Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("chat entry dropped after shutdown", zap.String("workspace_id", room))
		return
	}
	select {
	case r.queue <- recordedEntry{room: room, entry: entry}:
	default:
		r.logger.Warn("chat entry dropped: history store is falling behind", zap.String("workspace_id", room))
	}
}

// Recent reads the room's history, giving up after the configured timeout.
func (r *Recorder) Recent(ctx context.Context, room string, n int) []Entry {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := make(chan []Entry, 1)
	go func() {
		result <- r.buffer.Recent(ctx, room, n)
	}()
	select {
	case entries := <-result:
		return entries
	case <-ctx.Done():
		r.logger.Warn("chat history read timed out", zap.String("workspace_id", room), zap.Duration("timeout", r.timeout))
		return nil
	}
}

// Close stops accepting entries and waits for the queued ones to reach the store.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrRecorderClosed, ctx.Err())
	}
}
