package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-chat/server/internal/core/errs"
)

func TestNewStoreSeedsGeneralRoom(t *testing.T) {
	s := NewStore(false, nil)
	g, err := s.GetByName(GeneralName)
	require.NoError(t, err)
	assert.Equal(t, Public, g.Visibility)
	assert.Equal(t, ServerPrincipal, g.CreatedBy)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	s := NewStore(false, nil)
	_, err := s.Create("watercooler", Public, "", "alice")
	require.NoError(t, err)

	_, err = s.Create("watercooler", Public, "", "bob")
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestCreatePrivateRequiresPasswordWhenConfigured(t *testing.T) {
	s := NewStore(true, nil)
	_, err := s.Create("secret", Private, "", "alice")
	require.Error(t, err)
	assert.Equal(t, errs.BadRequest, errs.KindOf(err))

	_, err = s.Create("secret", Private, "hunter2", "alice")
	require.NoError(t, err)
}

func TestVerifyPasswordAcceptsCorrectAndRejectsWrong(t *testing.T) {
	s := NewStore(false, nil)
	roomID, err := s.Create("secret", Private, "hunter2", "alice")
	require.NoError(t, err)

	assert.NoError(t, s.VerifyPassword(roomID, "hunter2"))
	assert.Error(t, s.VerifyPassword(roomID, "wrong"))
}

func TestVerifyPasswordAlwaysAdmitsPublicRooms(t *testing.T) {
	s := NewStore(false, nil)
	roomID, err := s.Create("open", Public, "", "alice")
	require.NoError(t, err)
	assert.NoError(t, s.VerifyPassword(roomID, "anything"))
}

func TestDeleteProtectsGeneral(t *testing.T) {
	s := NewStore(false, nil)
	g, err := s.GetByName(GeneralName)
	require.NoError(t, err)

	err = s.Delete(g.RoomID, ServerPrincipal)
	require.Error(t, err)
	assert.Equal(t, errs.Protected, errs.KindOf(err))
}

func TestDeleteRequiresCreatorOrServerPrincipal(t *testing.T) {
	s := NewStore(false, nil)
	roomID, err := s.Create("team", Public, "", "alice")
	require.NoError(t, err)

	err = s.Delete(roomID, "mallory")
	require.Error(t, err)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	require.NoError(t, s.Delete(roomID, "alice"))
	assert.False(t, s.Exists(roomID))
}

func TestDeleteByServerPrincipalOverridesCreator(t *testing.T) {
	s := NewStore(false, nil)
	roomID, err := s.Create("team", Public, "", "alice")
	require.NoError(t, err)
	require.NoError(t, s.Delete(roomID, ServerPrincipal))
}

func TestListPublicExcludesPrivateRooms(t *testing.T) {
	s := NewStore(false, nil)
	_, err := s.Create("private-room", Private, "secret", "alice")
	require.NoError(t, err)
	_, err = s.Create("public-room", Public, "", "bob")
	require.NoError(t, err)

	summaries := s.ListPublic(func(string) int { return 0 })
	for _, sum := range summaries {
		assert.NotEqual(t, Private, sum.Visibility)
	}
}

func TestStatsCountsPublicAndPrivate(t *testing.T) {
	s := NewStore(false, nil)
	_, err := s.Create("private-room", Private, "secret", "alice")
	require.NoError(t, err)

	total, public, private := s.Stats()
	assert.Equal(t, 2, total) // General + the new private room
	assert.Equal(t, 1, public)
	assert.Equal(t, 1, private)
}
