package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quorum/backend/internal/notes"
)

const (
	defaultSaveDelay   = time.Second
	defaultSaveWorkers = 4
	defaultSaveTimeout = 10 * time.Second
)

var (
	// ErrEditDiscarded is returned by a SaveFunc when the edit no longer applies, for example
	// because the note was deleted. The pending edit is dropped without a retry.
	ErrEditDiscarded = errors.New("collab: edit discarded")

	errMissingSaveFunc = errors.New("collab: save function required")
)

// PendingEdit is the latest unsaved live edit of a note. Nil fields were absent from the edit.
type PendingEdit struct {
	NoteID      notes.NoteID
	WorkspaceID notes.WorkspaceID
	Title       *string
	Content     *string
	Originator  string
}

// SaveFunc persists a pending edit.
type SaveFunc func(ctx context.Context, edit PendingEdit) error

// DebouncerConfig configures a Debouncer.
type DebouncerConfig struct {
	Delay       time.Duration
	Workers     int
	Retries     int
	SaveTimeout time.Duration
	Save        SaveFunc
	Logger      *zap.Logger
	Metrics     *Metrics
}

// Debouncer coalesces live edits per note into one delayed save. Every Schedule replaces the
// buffered edit and restarts the note's quiescence timer; at most one save per note runs at a time.
type Debouncer struct {
	delay       time.Duration
	retries     int
	saveTimeout time.Duration
	save        SaveFunc
	logger      *zap.Logger
	metrics     *Metrics
	slots       chan struct{}

	mu      sync.Mutex
	pending map[notes.NoteID]*debounceEntry
	closed  bool
	running sync.WaitGroup
}

type debounceEntry struct {
	edit       PendingEdit
	generation uint64
	timer      *time.Timer
	saving     bool
	resave     bool
	cancelled  bool
	failures   int
}

// NewDebouncer constructs a Debouncer.
func NewDebouncer(cfg DebouncerConfig) (*Debouncer, error) {
	if cfg.Save == nil {
		return nil, errMissingSaveFunc
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultSaveDelay
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultSaveWorkers
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Debouncer{
		delay:       delay,
		retries:     retries,
		saveTimeout: saveTimeout,
		save:        cfg.Save,
		logger:      logger,
		metrics:     metrics,
		slots:       make(chan struct{}, workers),
		pending:     make(map[notes.NoteID]*debounceEntry),
	}, nil
}

// Schedule buffers the edit, replacing any earlier one for the same note, and restarts the
// note's timer. It reports false once the debouncer has been flushed for shutdown.
func (d *Debouncer) Schedule(edit PendingEdit) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	entry := d.pending[edit.NoteID]
	if entry == nil {
		entry = &debounceEntry{}
		d.pending[edit.NoteID] = entry
		d.metrics.PendingEdits.Inc()
	} else if entry.cancelled {
		entry.cancelled = false
		d.metrics.PendingEdits.Inc()
	}
	entry.edit = edit
	entry.failures = 0
	d.armLocked(edit.NoteID, entry)
	return true
}

func (d *Debouncer) armLocked(noteID notes.NoteID, entry *debounceEntry) {
	entry.generation++
	if entry.timer != nil {
		entry.timer.Stop()
	}
	generation := entry.generation
	entry.timer = time.AfterFunc(d.delay, func() {
		d.fire(noteID, entry, generation)
	})
}

func (d *Debouncer) fire(noteID notes.NoteID, entry *debounceEntry, generation uint64) {
	d.mu.Lock()
	if d.closed || d.pending[noteID] != entry || entry.generation != generation {
		d.mu.Unlock()
		return
	}
	entry.timer = nil
	if entry.saving {
		entry.resave = true
		d.mu.Unlock()
		return
	}
	entry.saving = true
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	d.run(noteID, entry)
}

func (d *Debouncer) run(noteID notes.NoteID, entry *debounceEntry) {
	for {
		d.mu.Lock()
		edit := entry.edit
		generation := entry.generation
		d.mu.Unlock()

		err := d.persist(edit)

		d.mu.Lock()
		current := d.pending[noteID] == entry
		switch {
		case err == nil || errors.Is(err, ErrEditDiscarded):
			entry.failures = 0
		default:
			entry.failures++
			if current && !d.closed && !entry.resave && entry.generation == generation {
				if entry.failures <= d.retries {
					d.logger.Warn("debounced save failed, retrying",
						zap.String("note_id", noteID.String()),
						zap.Int("attempt", entry.failures),
						zap.Error(err))
					d.armLocked(noteID, entry)
				} else {
					d.metrics.DebouncedSaves.WithLabelValues(SaveOutcomeGaveUp).Inc()
					d.logger.Error("debounced save failed, keeping edit until the next change",
						zap.String("note_id", noteID.String()),
						zap.Int("attempts", entry.failures),
						zap.Error(err))
				}
			}
		}
		if current && entry.resave && !d.closed {
			entry.resave = false
			d.mu.Unlock()
			continue
		}
		entry.resave = false
		entry.saving = false
		settled := err == nil || errors.Is(err, ErrEditDiscarded)
		switch {
		case current && entry.cancelled:
			d.removeLocked(noteID)
		case current && settled && entry.generation == generation && entry.timer == nil:
			d.removeLocked(noteID)
		}
		d.mu.Unlock()
		return
	}
}

func (d *Debouncer) persist(edit PendingEdit) error {
	d.slots <- struct{}{}
	defer func() { <-d.slots }()

	ctx, cancel := context.WithTimeout(context.Background(), d.saveTimeout)
	defer cancel()
	return d.saveWith(ctx, edit)
}

func (d *Debouncer) saveWith(ctx context.Context, edit PendingEdit) error {
	err := d.save(ctx, edit)
	switch {
	case err == nil:
		d.metrics.DebouncedSaves.WithLabelValues(SaveOutcomeSaved).Inc()
	case errors.Is(err, ErrEditDiscarded):
		d.metrics.DebouncedSaves.WithLabelValues(SaveOutcomeNotFound).Inc()
		d.logger.Debug("debounced save discarded", zap.String("note_id", edit.NoteID.String()))
	default:
		d.metrics.DebouncedSaves.WithLabelValues(SaveOutcomeFailed).Inc()
	}
	return err
}

func (d *Debouncer) removeLocked(noteID notes.NoteID) {
	entry, ok := d.pending[noteID]
	if !ok {
		return
	}
	delete(d.pending, noteID)
	if !entry.cancelled {
		d.metrics.PendingEdits.Dec()
	}
}

// Cancel drops the note's pending edit and stops its timer. A save already running completes;
// its entry stays behind as a cancelled marker so that a later Schedule queues behind that save
// instead of starting a second one.
func (d *Debouncer) Cancel(noteID notes.NoteID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.pending[noteID]
	if entry == nil {
		return
	}
	entry.generation++
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	if !entry.saving {
		d.removeLocked(noteID)
		return
	}
	if !entry.cancelled {
		entry.cancelled = true
		d.metrics.PendingEdits.Dec()
	}
	entry.resave = false
}

// Pending returns the buffered edit of a note.
func (d *Debouncer) Pending(noteID notes.NoteID) (PendingEdit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.pending[noteID]
	if entry == nil || entry.cancelled {
		return PendingEdit{}, false
	}
	return entry.edit, true
}

// Len returns the number of notes with buffered edits.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, entry := range d.pending {
		if !entry.cancelled {
			count++
		}
	}
	return count
}

// Flush stops all timers, waits for running saves and then saves every remaining edit once.
// Schedule is refused afterwards. Edits whose save fails are logged and dropped.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for _, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	d.mu.Unlock()

	d.running.Wait()

	d.mu.Lock()
	remaining := make([]PendingEdit, 0, len(d.pending))
	for noteID, entry := range d.pending {
		if !entry.cancelled {
			remaining = append(remaining, entry.edit)
		}
		d.removeLocked(noteID)
	}
	d.mu.Unlock()

	var errs []error
	for _, edit := range remaining {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.saveWith(ctx, edit); err != nil && !errors.Is(err, ErrEditDiscarded) {
			d.logger.Error("flush save failed",
				zap.String("note_id", edit.NoteID.String()),
				zap.String("workspace_id", edit.WorkspaceID.String()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
