// Package chat keeps a short, capped history of workspace chat messages.
package chat

import (
	"context"
	"time"
)

const (
	// DefaultCapacity is the number of messages retained per room.
	DefaultCapacity = 100
)

// Entry is one chat message as stored and replayed.
type Entry struct {
	Session   string     `json:"session"`
	UserID    string     `json:"user_id,omitempty"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp"`
}

// Buffer is a best-effort bounded history per room. Implementations never fail the caller:
// storage problems are logged and turn into empty results.
type Buffer interface {
	Append(ctx context.Context, room string, entry Entry)
	Recent(ctx context.Context, room string, n int) []Entry
}

// NoopBuffer stores nothing.
type NoopBuffer struct{}

// Append discards the entry.
func (NoopBuffer) Append(context.Context, string, Entry) {}

// Recent always returns no entries.
func (NoopBuffer) Recent(context.Context, string, int) []Entry {
	return nil
}
