// Package messagelog implements C4: a per-room append-only message stream
// with a by-id index, edit history, and soft-delete.
package messagelog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-chat/server/internal/core/errs"
	"github.com/lattice-chat/server/internal/metrics"
)

// Snapshot is one previous {content, timestamp} pair pushed onto a record's
// version_history on every edit or deletion.
type Snapshot struct {
	Content   string
	Timestamp time.Time
}

// Record is one message in a room's log.
type Record struct {
	MessageID             string
	RoomID                string
	AuthorUsername        string
	AuthorUserID           string
	Content               string
	Timestamp             time.Time
	IsSystem              bool
	Edited                bool
	EditedAt              time.Time
	Deleted               bool
	VersionHistory        []Snapshot
}

// DeletionNotice is returned by Delete on success.
type DeletionNotice struct {
	MessageID       string
	RoomID          string
	OriginalTS      time.Time
	DeletedContent  string
	DeleterUsername string
	DeletedAt       time.Time
}

// Log is C4. All exported methods are safe for concurrent use.
type Log struct {
	mu sync.RWMutex

	byRoom map[string][]*Record
	byID   map[string]*Record
}

// New returns an empty Log.
func New() *Log {
	return &Log{
		byRoom: make(map[string][]*Record),
		byID:   make(map[string]*Record),
	}
}

// NewRecord builds a Record ready for Append, stamping a fresh message id
// and the current UTC timestamp.
func NewRecord(roomID, authorUsername, authorUserID, content string, isSystem bool) Record {
	return Record{
		MessageID:      uuid.NewString(),
		RoomID:         roomID,
		AuthorUsername: authorUsername,
		AuthorUserID:   authorUserID,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		IsSystem:       isSystem,
	}
}

// Append adds rec to roomID's log and indexes it by message id. A room with
// no prior traffic gets its bucket created on first use, since system
// messages may race ahead of explicit room creation during bootstrap.
func (l *Log) Append(roomID string, rec Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := rec
	l.byRoom[roomID] = append(l.byRoom[roomID], &stored)
	l.byID[stored.MessageID] = &stored

	metrics.MessagesAppended.WithLabelValues(roomID).Inc()
	return stored
}

// Edit rewrites a live message's content, requiring requesterUserID to
// match the original author.
func (l *Log) Edit(messageID, requesterUserID, newContent string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[messageID]
	if !ok {
		return Record{}, errs.New(errs.NotFound, "no such message %q", messageID)
	}
	if rec.Deleted {
		return Record{}, errs.New(errs.NotFound, "message %q is deleted", messageID)
	}
	if rec.AuthorUserID != requesterUserID {
		return Record{}, errs.New(errs.Forbidden, "requester is not the author of %q", messageID)
	}

	rec.VersionHistory = append(rec.VersionHistory, Snapshot{Content: rec.Content, Timestamp: rec.Timestamp})
	rec.Content = newContent
	rec.Edited = true
	rec.EditedAt = time.Now().UTC()
	return *rec, nil
}

// Delete soft-deletes a live message: it remains in the per-room list for
// ordering and version_history coherence but is excluded from Tail. A
// second call on an already-deleted message returns a Gone-kind
// already-deleted error with no state change.
func (l *Log) Delete(messageID, requesterUserID, deleterUsername string) (DeletionNotice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[messageID]
	if !ok {
		return DeletionNotice{}, errs.New(errs.NotFound, "no such message %q", messageID)
	}
	if rec.AuthorUserID != requesterUserID {
		return DeletionNotice{}, errs.New(errs.Forbidden, "requester is not the author of %q", messageID)
	}
	if rec.Deleted {
		return DeletionNotice{}, errs.New(errs.Gone, "message %q already deleted", messageID)
	}

	originalTS := rec.Timestamp
	deletedContent := rec.Content
	rec.VersionHistory = append(rec.VersionHistory, Snapshot{Content: rec.Content, Timestamp: rec.Timestamp})
	rec.Deleted = true
	deletedAt := time.Now().UTC()

	return DeletionNotice{
		MessageID:       messageID,
		RoomID:          rec.RoomID,
		OriginalTS:      originalTS,
		DeletedContent:  deletedContent,
		DeleterUsername: deleterUsername,
		DeletedAt:       deletedAt,
	}, nil
}

// Tail returns the last limit non-deleted records in roomID, oldest first.
func (l *Log) Tail(roomID string, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.byRoom[roomID]
	live := make([]Record, 0, len(all))
	for _, r := range all {
		if !r.Deleted {
			live = append(live, *r)
		}
	}
	if limit > 0 && len(live) > limit {
		live = live[len(live)-limit:]
	}
	return live
}

// History returns message_id's full version history, oldest first.
func (l *Log) History(messageID string) ([]Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[messageID]
	if !ok {
		return nil, errs.New(errs.NotFound, "no such message %q", messageID)
	}
	out := make([]Snapshot, len(rec.VersionHistory))
	copy(out, rec.VersionHistory)
	return out, nil
}

// Get returns a copy of a single record by id, used by tests and by the
// forbidden-edit boundary scenario (S2).
func (l *Log) Get(messageID string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[messageID]
	if !ok {
		return Record{}, errs.New(errs.NotFound, "no such message %q", messageID)
	}
	return *rec, nil
}
