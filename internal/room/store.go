// Package room implements C2, the RoomStore: CRUD over rooms, including
// password-protected rooms, name uniqueness, and the protected "General"
// room invariant.
package room

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-chat/server/internal/core/errs"
	"github.com/lattice-chat/server/internal/logging"
	"github.com/lattice-chat/server/internal/metrics"
)

// Visibility is a room's admission class.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// GeneralName is the always-present, undeletable default room.
const GeneralName = "General"

// ServerPrincipal is the distinguished requester identity permitted to
// delete any room regardless of who created it.
const ServerPrincipal = "SERVER"

// Room is one named multicast group.
type Room struct {
	RoomID       string
	Name         string
	Visibility   Visibility
	PasswordHash string
	CreatedBy    string
	CreatedAt    time.Time
}

// Summary is the password-safe view returned by list operations.
type Summary struct {
	RoomID            string
	Name              string
	Visibility        Visibility
	PasswordProtected bool
	CreatedBy         string
	CreatedAt         time.Time
	OccupantCount     int
}

// Mirror is the optional secondary persistence port (§1: "the core defines
// a RoomStore port that MAY be backed by such a store"). A nil Mirror means
// purely in-memory operation.
type Mirror interface {
	Put(ctx context.Context, rec MirrorRecord) error
	Delete(ctx context.Context, roomID string) error
}

// MirrorRecord is the serialized shape persisted by a Mirror implementation.
type MirrorRecord struct {
	RoomID       string
	Name         string
	Visibility   string
	PasswordHash string
	CreatedBy    string
	CreatedAt    time.Time
}

// Store is C2. All exported methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	rooms map[string]*Room
	names map[string]string // name -> room_id, enforces uniqueness

	requirePassword bool
	mirror          Mirror
}

// NewStore returns a Store with the General room already present.
// requirePassword, when true, rejects create() of a private room with an
// empty password (the deployment-configurable toggle named in spec §4.2).
func NewStore(requirePassword bool, mirror Mirror) *Store {
	s := &Store{
		rooms:           make(map[string]*Room),
		names:           make(map[string]string),
		requirePassword: requirePassword,
		mirror:          mirror,
	}
	general := &Room{
		RoomID:     uuid.NewString(),
		Name:       GeneralName,
		Visibility: Public,
		CreatedBy:  ServerPrincipal,
		CreatedAt:  time.Now().UTC(),
	}
	s.rooms[general.RoomID] = general
	s.names[general.Name] = general.RoomID
	metrics.ActiveRooms.Inc()
	return s
}

// Create inserts a new room, rejecting duplicate names.
func (s *Store) Create(name string, visibility Visibility, password, creator string) (string, error) {
	s.mu.Lock()
	if _, taken := s.names[name]; taken {
		s.mu.Unlock()
		return "", errs.New(errs.Conflict, "room name %q already taken", name)
	}
	if visibility == Private && password == "" && s.requirePassword {
		s.mu.Unlock()
		return "", errs.New(errs.BadRequest, "private rooms require a password in this deployment")
	}

	r := &Room{
		RoomID:     uuid.NewString(),
		Name:       name,
		Visibility: visibility,
		CreatedBy:  creator,
		CreatedAt:  time.Now().UTC(),
	}
	if password != "" {
		r.PasswordHash = hashPassword(password)
	}
	s.rooms[r.RoomID] = r
	s.names[r.Name] = r.RoomID
	s.mu.Unlock()

	metrics.ActiveRooms.Inc()
	s.mirrorPut(*r)
	return r.RoomID, nil
}

// Get returns a copy of the room record, or NotFound.
func (s *Store) Get(roomID string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return Room{}, errs.New(errs.NotFound, "no such room %q", roomID)
	}
	return *r, nil
}

// GetByName returns a copy of the room with the given unique name, or
// NotFound. Used to resolve "General" to its stable id.
func (s *Store) GetByName(name string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.names[name]
	if !ok {
		return Room{}, errs.New(errs.NotFound, "no such room %q", name)
	}
	return *s.rooms[id], nil
}

// Exists reports whether roomID is present, without allocating a copy.
func (s *Store) Exists(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Delete removes a room. Authorization: requester must equal the room's
// created_by, or be ServerPrincipal. "General" can never be deleted.
func (s *Store) Delete(roomID, requester string) error {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.NotFound, "no such room %q", roomID)
	}
	if r.Name == GeneralName {
		s.mu.Unlock()
		return errs.New(errs.Protected, "cannot delete %q", GeneralName)
	}
	if requester != r.CreatedBy && requester != ServerPrincipal {
		s.mu.Unlock()
		return errs.New(errs.Forbidden, "requester %q is not the creator of %q", requester, roomID)
	}
	delete(s.rooms, roomID)
	delete(s.names, r.Name)
	s.mu.Unlock()

	metrics.ActiveRooms.Dec()
	metrics.RoomOccupants.DeleteLabelValues(roomID)
	s.mirrorDelete(roomID)
	return nil
}

// VerifyPassword reports whether candidate admits entry to roomID: ok when
// the room is public, has no password set, or candidate hashes to match.
func (s *Store) VerifyPassword(roomID, candidate string) error {
	s.mu.RLock()
	r, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, "no such room %q", roomID)
	}
	if r.Visibility == Public || r.PasswordHash == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(hashPassword(candidate)), []byte(r.PasswordHash)) == 1 {
		return nil
	}
	return errs.New(errs.Forbidden, "incorrect password for room %q", roomID)
}

// ListPublic returns every public room. occupantCount supplies the live
// occupant count per room id (owned by C3, injected to avoid a dependency
// from room on membership).
func (s *Store) ListPublic(occupantCount func(roomID string) int) []Summary {
	return s.list(occupantCount, func(r *Room) bool { return r.Visibility == Public })
}

// ListAll returns every room regardless of visibility.
func (s *Store) ListAll(occupantCount func(roomID string) int) []Summary {
	return s.list(occupantCount, func(r *Room) bool { return true })
}

func (s *Store) list(occupantCount func(roomID string) int, include func(*Room) bool) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.rooms))
	for _, r := range s.rooms {
		if !include(r) {
			continue
		}
		count := 0
		if occupantCount != nil {
			count = occupantCount(r.RoomID)
		}
		out = append(out, Summary{
			RoomID:            r.RoomID,
			Name:              r.Name,
			Visibility:        r.Visibility,
			PasswordProtected: r.PasswordHash != "",
			CreatedBy:         r.CreatedBy,
			CreatedAt:         r.CreatedAt,
			OccupantCount:     count,
		})
	}
	return out
}

// Stats returns the aggregate snapshot behind the supplemented get_stats
// frame (original_source's RoomManager.get_stats()).
func (s *Store) Stats() (total, public, private int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		total++
		if r.Visibility == Public {
			public++
		} else {
			private++
		}
	}
	return
}

func hashPassword(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Store) mirrorPut(r Room) {
	if s.mirror == nil {
		return
	}
	go func() {
		err := s.mirror.Put(context.Background(), MirrorRecord{
			RoomID:       r.RoomID,
			Name:         r.Name,
			Visibility:   string(r.Visibility),
			PasswordHash: r.PasswordHash,
			CreatedBy:    r.CreatedBy,
			CreatedAt:    r.CreatedAt,
		})
		if err != nil {
			logging.Warn(context.Background(), "room mirror put failed", zap.String("room_id", r.RoomID), zap.Error(err))
		}
	}()
}

func (s *Store) mirrorDelete(roomID string) {
	if s.mirror == nil {
		return
	}
	go func() {
		if err := s.mirror.Delete(context.Background(), roomID); err != nil {
			logging.Warn(context.Background(), "room mirror delete failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}()
}
