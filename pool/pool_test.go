package pool

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(size int) *Pool {
	p := &Pool{
		logger: zerolog.Nop(),
		slots:  make([]*Slot, 0, size),
	}
	for i := 0; i < size; i++ {
		p.slots = append(p.slots, &Slot{Index: i, PID: 1000 + i})
	}
	return p
}

func TestPickLeastLoaded_EmptyPool(t *testing.T) {
	p := &Pool{logger: zerolog.Nop()}
	_, err := p.PickLeastLoaded()
	require.ErrorIs(t, err, ErrNoWorkers)
}

func TestPickLeastLoaded_TiesGoToSmallestIndex(t *testing.T) {
	p := testPool(4)
	idx, err := p.PickLeastLoaded()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestPickLeastLoaded_BackToBackSelections(t *testing.T) {
	p := testPool(2)

	idx, err := p.PickLeastLoaded()
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	// First room got its first participant, counters are refreshed
	// from the scan before the next selection.
	p.Refresh([]RoomLoad{{WorkerIndex: 0, Participants: 1}})

	idx, err = p.PickLeastLoaded()
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestPickLeastLoaded_MinimisesParticipants(t *testing.T) {
	p := testPool(3)
	p.Refresh([]RoomLoad{
		{WorkerIndex: 0, Participants: 5},
		{WorkerIndex: 1, Participants: 2},
		{WorkerIndex: 2, Participants: 3},
	})
	idx, err := p.PickLeastLoaded()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestRefresh_ZeroesUntouchedSlots(t *testing.T) {
	p := testPool(2)
	p.Refresh([]RoomLoad{
		{WorkerIndex: 0, Participants: 3},
		{WorkerIndex: 0, Participants: 2},
	})
	assert.Equal(t, 5, p.slots[0].Participants)
	assert.Equal(t, 2, p.slots[0].Rooms)

	p.Refresh(nil)
	assert.Zero(t, p.slots[0].Participants)
	assert.Zero(t, p.slots[0].Rooms)
	assert.Zero(t, p.slots[1].Participants)
	assert.Zero(t, p.slots[1].Rooms)
}

func TestRefresh_IgnoresUnknownWorkerIndex(t *testing.T) {
	p := testPool(1)
	p.Refresh([]RoomLoad{
		{WorkerIndex: 7, Participants: 3},
		{WorkerIndex: -1, Participants: 1},
		{WorkerIndex: 0, Participants: 2},
	})
	assert.Equal(t, 2, p.slots[0].Participants)
	assert.Equal(t, 1, p.slots[0].Rooms)
}

func TestStats(t *testing.T) {
	p := testPool(2)
	p.Refresh([]RoomLoad{
		{WorkerIndex: 1, Participants: 4},
	})

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, SlotStats{WorkerIndex: 0}, stats[1000])
	assert.Equal(t, SlotStats{WorkerIndex: 1, Participants: 4, Rooms: 1}, stats[1001])
}
