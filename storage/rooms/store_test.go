package rooms

import (
	"testing"

	"github.com/adwski/sfu-signaling/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s := NewStore()

	_, ok := s.Get("r1")
	assert.False(t, ok)
	assert.Empty(t, s.List())

	require.True(t, s.Set("r1", &room.Room{}))
	_, ok = s.Get("r1")
	assert.True(t, ok)
	assert.Len(t, s.List(), 1)

	// Second registration for the same session is rejected.
	assert.False(t, s.Set("r1", &room.Room{}))

	s.Delete("r1")
	_, ok = s.Get("r1")
	assert.False(t, ok)

	// Deleting a missing room is harmless.
	s.Delete("r1")
}
