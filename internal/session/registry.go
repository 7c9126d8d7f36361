// Package session implements C1, the SessionRegistry: the set of live
// client sessions, indexed by id, username, and device id, plus the
// recent-disconnect memory used for reconnect hints.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-chat/server/internal/core/errs"
	"github.com/lattice-chat/server/internal/core/frame"
)

// ID is an opaque session identifier, unique for the lifetime of the process.
type ID string

// Handle is the transport send interface the core borrows but never owns.
type Handle interface {
	// Send delivers f to the client. It returns false if delivery failed
	// (closed connection, full buffer); the caller schedules disconnect.
	Send(f frame.Frame) bool
}

// Session is one live client connection.
type Session struct {
	SID           ID
	Handle        Handle
	Username      string
	DeviceID      string
	Authenticated bool
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// disconnectRecord is the recent-disconnect memory keyed by device id,
// shaped after original_source's disconnected_clients map.
type disconnectRecord struct {
	Username string
	LastRoom string
	LastSeen time.Time
}

// Registry is C1. All exported methods are safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	sessions     map[ID]*Session
	usernames    map[string]ID // live username -> sid, for collision checks
	recentByDev  map[string]disconnectRecord
	guestCounter int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[ID]*Session),
		usernames:   make(map[string]ID),
		recentByDev: make(map[string]disconnectRecord),
	}
}

// Register allocates a new session with a placeholder Guest-<n> username.
func (r *Registry) Register(handle Handle) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.guestCounter++
	now := time.Now().UTC()
	sess := &Session{
		SID:          ID(uuid.NewString()),
		Handle:       handle,
		Username:     fmt.Sprintf("Guest-%d", r.guestCounter),
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.sessions[sess.SID] = sess
	r.usernames[sess.Username] = sess.SID
	return sess
}

// Authenticate replaces sid's placeholder username, resolving collisions by
// suffixing, and records deviceID on the session. It returns the username
// finally assigned and a non-nil reconnectHint when deviceID matches a
// recently disconnected session.
func (r *Registry) Authenticate(sid ID, username, deviceID string) (assigned string, hint *frame.ReconnectHint, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sid]
	if !ok {
		return "", nil, errs.New(errs.NotFound, "no such session %q", sid)
	}

	assigned = r.uniqueUsernameLocked(username)

	delete(r.usernames, sess.Username)
	sess.Username = assigned
	sess.DeviceID = deviceID
	sess.Authenticated = true
	r.usernames[assigned] = sid

	if deviceID != "" {
		if rec, ok := r.recentByDev[deviceID]; ok {
			hint = &frame.ReconnectHint{
				LastRoomID: rec.LastRoom,
				LastSeen:   rec.LastSeen.UTC().Format(time.RFC3339),
			}
			delete(r.recentByDev, deviceID)
		}
	}

	return assigned, hint, nil
}

// uniqueUsernameLocked returns username unchanged if it is not already live,
// otherwise username_#k for the smallest k >= len(sessions) that is free.
// Callers must hold mu.
func (r *Registry) uniqueUsernameLocked(username string) string {
	if _, taken := r.usernames[username]; !taken {
		return username
	}
	k := len(r.sessions)
	if k < 1 {
		k = 1
	}
	for {
		candidate := fmt.Sprintf("%s_%d", username, k)
		if _, taken := r.usernames[candidate]; !taken {
			return candidate
		}
		k++
	}
}

// Touch updates last_activity to now. A no-op if sid is unknown.
func (r *Registry) Touch(sid ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sid]; ok {
		sess.LastActivity = time.Now().UTC()
	}
}

// Lookup returns a copy of the session record, or NotFound.
func (r *Registry) Lookup(sid ID) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return Session{}, errs.New(errs.NotFound, "no such session %q", sid)
	}
	return *sess, nil
}

// Drop removes and returns sid's session record atomically.
func (r *Registry) Drop(sid ID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return Session{}, errs.New(errs.NotFound, "no such session %q", sid)
	}
	delete(r.sessions, sid)
	delete(r.usernames, sess.Username)
	return *sess, nil
}

// RecordDisconnect archives deviceID's last-known room into the
// recent-disconnect memory for a future reconnect hint. A no-op if
// deviceID is empty.
func (r *Registry) RecordDisconnect(username, deviceID, lastRoom string) {
	if deviceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recentByDev[deviceID] = disconnectRecord{
		Username: username,
		LastRoom: lastRoom,
		LastSeen: time.Now().UTC(),
	}
}

// Sweep returns every session whose last activity precedes now-timeout.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := now.Add(-timeout)
	var expired []ID
	for sid, sess := range r.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, sid)
		}
	}
	return expired
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of every live session id, used by the dispatcher's
// room-independent broadcast{} frame.
func (r *Registry) All() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	return out
}
