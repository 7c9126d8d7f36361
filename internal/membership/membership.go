// Package membership implements C3: the bidirectional session<->room
// mapping, with the at-most-one-room-per-session invariant and atomic move
// semantics on join.
package membership

import (
	"sync"

	k8sset "k8s.io/utils/set"

	"github.com/lattice-chat/server/internal/core/errs"
)

// Membership is C3. All exported methods are safe for concurrent use.
type Membership struct {
	mu sync.Mutex

	sessionToRoom map[string]string
	roomToSet     map[string]k8sset.Set[string]
}

// New returns an empty Membership.
func New() *Membership {
	return &Membership{
		sessionToRoom: make(map[string]string),
		roomToSet:     make(map[string]k8sset.Set[string]),
	}
}

// Join moves sid into roomID atomically: if sid is already in another room,
// that departure and the new entry happen under a single lock so no
// concurrent Occupants() call ever observes sid in neither room.
//
// roomExists is invoked while the lock is held, giving the presence check
// against C2 the same atomicity the join itself has (spec §4.3's stated
// invariant). It must not block or call back into Membership.
func (m *Membership) Join(sid, roomID string, roomExists func(roomID string) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !roomExists(roomID) {
		return errs.New(errs.NotFound, "no such room %q", roomID)
	}

	if old, ok := m.sessionToRoom[sid]; ok {
		if old == roomID {
			return nil
		}
		m.detachLocked(sid, old)
	}

	m.sessionToRoom[sid] = roomID
	set, ok := m.roomToSet[roomID]
	if !ok {
		set = k8sset.New[string]()
		m.roomToSet[roomID] = set
	}
	set.Insert(sid)
	return nil
}

// Leave removes sid from its current room, if any, returning the room id it
// left.
func (m *Membership) Leave(sid string) (roomID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID, ok = m.sessionToRoom[sid]
	if !ok {
		return "", false
	}
	m.detachLocked(sid, roomID)
	return roomID, true
}

// detachLocked removes sid from roomID's set and the reverse index. Callers
// must hold mu.
func (m *Membership) detachLocked(sid, roomID string) {
	delete(m.sessionToRoom, sid)
	if set, ok := m.roomToSet[roomID]; ok {
		set.Delete(sid)
		if set.Len() == 0 {
			delete(m.roomToSet, roomID)
		}
	}
}

// RoomOf returns the room sid currently occupies, if any.
func (m *Membership) RoomOf(sid string) (roomID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok = m.sessionToRoom[sid]
	return
}

// Occupants returns a snapshot of every session id currently in roomID.
func (m *Membership) Occupants(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roomToSet[roomID]
	if !ok {
		return nil
	}
	return set.UnsortedList()
}

// OccupantCount returns len(Occupants(roomID)) without allocating the slice,
// used as the occupantCount callback for room.Store's list operations.
func (m *Membership) OccupantCount(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.roomToSet[roomID]
	if !ok {
		return 0
	}
	return set.Len()
}

// DetachAll removes sid from whatever room it occupies and forgets it
// entirely. Unlike Leave it does not report which room sid left.
func (m *Membership) DetachAll(sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if roomID, ok := m.sessionToRoom[sid]; ok {
		m.detachLocked(sid, roomID)
	}
}

// ForgetRoom detaches every occupant of roomID, used when a room is
// deleted so no concurrent broadcast can deliver into it afterward (spec
// §5, composite operation 2). It returns the sids that were detached.
func (m *Membership) ForgetRoom(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.roomToSet[roomID]
	if !ok {
		return nil
	}
	sids := set.UnsortedList()
	for _, sid := range sids {
		delete(m.sessionToRoom, sid)
	}
	delete(m.roomToSet, roomID)
	return sids
}
