package remotestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-chat/server/internal/room"
)

func newTestMirror(t *testing.T) (*Mirror, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	m, err := New(mr.Addr(), "")
	require.NoError(t, err)

	return m, mr
}

func TestPutThenGetRoundTrips(t *testing.T) {
	m, mr := newTestMirror(t)
	defer mr.Close()
	defer m.Close()

	ctx := context.Background()
	rec := room.MirrorRecord{
		RoomID:     "room-1",
		Name:       "watercooler",
		Visibility: "public",
		CreatedBy:  "alice",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, m.Put(ctx, rec))

	got, found, err := m.Get(ctx, "room-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Visibility, got.Visibility)
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	m, mr := newTestMirror(t)
	defer mr.Close()
	defer m.Close()

	_, found, err := m.Get(context.Background(), "no-such-room")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteRemovesMirroredRecord(t *testing.T) {
	m, mr := newTestMirror(t)
	defer mr.Close()
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Put(ctx, room.MirrorRecord{RoomID: "room-1", Name: "x"}))
	require.NoError(t, m.Delete(ctx, "room-1"))

	_, found, err := m.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPingReflectsBackingStoreAvailability(t *testing.T) {
	m, mr := newTestMirror(t)
	defer m.Close()

	assert.NoError(t, m.Ping(context.Background()))

	mr.Close()
	assert.Error(t, m.Ping(context.Background()))
}

func TestDegradeFailsOpenOnceCircuitTrips(t *testing.T) {
	m, mr := newTestMirror(t)
	defer m.Close()
	mr.Close()

	ctx := context.Background()
	rec := room.MirrorRecord{RoomID: "room-1", Name: "x"}

	// Each individual dial failure surfaces as a real error until enough
	// consecutive failures trip the breaker open; from then on the mirror
	// must degrade silently rather than propagate failure to the in-memory
	// RoomStore it backs.
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = m.Put(ctx, rec)
	}
	assert.NoError(t, lastErr, "mirror should degrade to a no-op once its circuit breaker opens")
}
