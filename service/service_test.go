package service

import (
	"testing"

	"github.com/adwski/sfu-signaling/config"
	"github.com/adwski/sfu-signaling/model"
	"github.com/adwski/sfu-signaling/pool"
	store "github.com/adwski/sfu-signaling/storage/rooms"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	refreshed [][]pool.RoomLoad
	picked    int
}

func (f *fakePool) PickLeastLoaded() (int, error) {
	f.picked++
	return 0, nil
}

func (f *fakePool) Worker(int) *mediasoup.Worker {
	return nil
}

func (f *fakePool) Refresh(loads []pool.RoomLoad) {
	f.refreshed = append(f.refreshed, loads)
}

func (f *fakePool) Stats() map[int]pool.SlotStats {
	return map[int]pool.SlotStats{1234: {WorkerIndex: 0}}
}

func testService(p WorkerPool) *Service {
	logger := zerolog.Nop()
	return NewService(Config{
		RoomStore: store.NewStore(),
		Pool:      p,
		Config:    config.Default(),
		Logger:    &logger,
	})
}

func TestMedia_RoomNotFound(t *testing.T) {
	svc := testService(&fakePool{})
	_, err := svc.Media("nope", "alice", model.MsMessage{Action: "produce"})
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestAddClient_RoomNotFound(t *testing.T) {
	svc := testService(&fakePool{})
	err := svc.AddClient(model.Query{SessionID: "nope", UserID: "alice"}, model.NewWire())
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoom_RoomNotFound(t *testing.T) {
	svc := testService(&fakePool{})
	_, err := svc.JoinRoom(model.Query{SessionID: "nope"}, mediasoup.RtpCapabilities{}, model.ProducerCapabilities{})
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRemoveClient_RoomNotFound(t *testing.T) {
	svc := testService(&fakePool{})
	svc.RemoveClient("nope", "alice") // must not panic
}

func TestToggleDevice_RoomNotFound(t *testing.T) {
	svc := testService(&fakePool{})
	require.ErrorIs(t, svc.ToggleDevice("nope", "alice", "disable", "video"), ErrRoomNotFound)
}

func TestRoomStats_RoomNotFound(t *testing.T) {
	svc := testService(&fakePool{})
	_, err := svc.RoomStats("nope")
	require.ErrorIs(t, err, ErrRoomNotFound)

	assert.Empty(t, svc.RoomsStats())
}

func TestReConfigure_RoomNotFound(t *testing.T) {
	fp := &fakePool{}
	svc := testService(fp)
	require.ErrorIs(t, svc.ReConfigure("nope"), ErrRoomNotFound)
	assert.Zero(t, fp.picked)
}

func TestWorkersStats_RefreshesFromScan(t *testing.T) {
	fp := &fakePool{}
	svc := testService(fp)

	stats := svc.WorkersStats()
	require.Len(t, fp.refreshed, 1)
	assert.Empty(t, fp.refreshed[0])
	assert.Contains(t, stats, 1234)
}
