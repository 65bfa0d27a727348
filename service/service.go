package service

import (
	"errors"
	"sync"

	"github.com/adwski/sfu-signaling/config"
	"github.com/adwski/sfu-signaling/model"
	"github.com/adwski/sfu-signaling/pool"
	"github.com/adwski/sfu-signaling/room"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

type (
	// RoomStore keeps the live rooms.
	RoomStore interface {
		Get(sessionID string) (*room.Room, bool)
		Set(sessionID string, r *room.Room) bool
		Delete(sessionID string)
		List() []*room.Room
	}

	// WorkerPool places rooms on media workers.
	WorkerPool interface {
		PickLeastLoaded() (int, error)
		Worker(index int) *mediasoup.Worker
		Refresh(loads []pool.RoomLoad)
		Stats() map[int]pool.SlotStats
	}

	// Service owns room placement and lifecycle and routes participant
	// requests into rooms. It is the only writer of the room registry.
	Service struct {
		logger zerolog.Logger
		store  RoomStore
		pool   WorkerPool
		fanout room.Fanout
		cfg    *config.Config

		// Serializes room creation, teardown and reconfiguration so
		// pool counter refresh and worker pick stay consistent.
		mx sync.Mutex
	}

	Config struct {
		RoomStore RoomStore
		Pool      WorkerPool
		Fanout    room.Fanout
		Config    *config.Config
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		logger: cfg.Logger.With().Str("component", "rooms").Logger(),
		store:  cfg.RoomStore,
		pool:   cfg.Pool,
		fanout: cfg.Fanout,
		cfg:    cfg.Config,
	}
}

// refreshPool recomputes worker counters from a scan of live rooms.
// Called under the service lock before every worker pick.
func (svc *Service) refreshPool() {
	list := svc.store.List()
	loads := make([]pool.RoomLoad, 0, len(list))
	for _, r := range list {
		loads = append(loads, pool.RoomLoad{
			WorkerIndex:  r.WorkerIndex(),
			Participants: r.ParticipantCount(),
		})
	}
	svc.pool.Refresh(loads)
}

// InitSession ensures a room exists for the session. It reports whether
// the room already existed. A failed init leaves no partial room.
func (svc *Service) InitSession(sessionID string) (bool, error) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.store.Get(sessionID); ok {
		return true, nil
	}

	svc.refreshPool()
	index, err := svc.pool.PickLeastLoaded()
	if err != nil {
		return false, errors.Join(room.ErrRoomInit, err)
	}
	r, err := room.New(room.Config{
		ID:          sessionID,
		WorkerIndex: index,
		Worker:      svc.pool.Worker(index),
		Fanout:      svc.fanout,
		Config:      svc.cfg,
		Logger:      &svc.logger,
	})
	if err != nil {
		return false, err
	}
	if !svc.store.Set(sessionID, r) {
		// Lost a create race; drop the fresh media handles.
		r.Close()
		return true, nil
	}
	svc.logger.Info().
		Str("sessionID", sessionID).
		Int("workerIndex", index).
		Msg("room created")
	return false, nil
}

// AddClient admits a participant into the session's room before join.
func (svc *Service) AddClient(q model.Query, wire model.Wire) error {
	r, ok := svc.store.Get(q.SessionID)
	if !ok {
		return ErrRoomNotFound
	}
	return r.AddClient(q, wire)
}

// JoinRoom transitions an admitted participant to joined.
func (svc *Service) JoinRoom(q model.Query, rtpCapabilities mediasoup.RtpCapabilities, caps model.ProducerCapabilities) (model.JoinResult, error) {
	r, ok := svc.store.Get(q.SessionID)
	if !ok {
		return model.JoinResult{}, ErrRoomNotFound
	}
	return r.Join(q, rtpCapabilities, caps)
}

// RemoveClient detaches a participant; the last one out closes the room.
// Safe to call for already removed participants.
func (svc *Service) RemoveClient(sessionID, userID string) {
	r, ok := svc.store.Get(sessionID)
	if !ok {
		return
	}
	if left := r.Remove(userID); left > 0 {
		return
	}

	svc.mx.Lock()
	defer svc.mx.Unlock()
	if r.ParticipantCount() > 0 {
		// Someone got admitted between the check and the lock.
		return
	}
	r.Close()
	svc.store.Delete(sessionID)
	svc.refreshPool()
	svc.logger.Info().Str("sessionID", sessionID).Msg("room unregistered")
}

// Media dispatches one media command into the session's room.
func (svc *Service) Media(sessionID, userID string, msg model.MsMessage) (any, error) {
	r, ok := svc.store.Get(sessionID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Command(userID, msg)
}

// ToggleDevice relays a device toggle to the rest of the room.
func (svc *Service) ToggleDevice(sessionID, sender, action, kind string) error {
	r, ok := svc.store.Get(sessionID)
	if !ok {
		return ErrRoomNotFound
	}
	r.RelayToggleDevice(sender, action, kind)
	return nil
}

// RoomClients lists the participants of one session.
func (svc *Service) RoomClients(sessionID string) ([]model.ClientStats, error) {
	r, ok := svc.store.Get(sessionID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.Clients(), nil
}

// RoomInfo returns the stats snapshot of one session.
func (svc *Service) RoomInfo(sessionID string) (model.RoomStats, error) {
	r, ok := svc.store.Get(sessionID)
	if !ok {
		return model.RoomStats{}, ErrRoomNotFound
	}
	return r.Stats(), nil
}

// ReConfigure moves a room onto the currently least loaded worker and
// tells its clients to renegotiate.
func (svc *Service) ReConfigure(sessionID string) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	r, ok := svc.store.Get(sessionID)
	if !ok {
		return ErrRoomNotFound
	}
	svc.refreshPool()
	index, err := svc.pool.PickLeastLoaded()
	if err != nil {
		return err
	}
	return r.ReConfigure(svc.pool.Worker(index), index)
}

// RoomsStats returns the stats of every live room.
func (svc *Service) RoomsStats() []model.RoomStats {
	list := svc.store.List()
	stats := make([]model.RoomStats, 0, len(list))
	for _, r := range list {
		stats = append(stats, r.Stats())
	}
	return stats
}

// RoomStats returns one room's stats.
func (svc *Service) RoomStats(sessionID string) (model.RoomStats, error) {
	return svc.RoomInfo(sessionID)
}

// WorkersStats returns the worker pool snapshot, refreshed from a scan.
func (svc *Service) WorkersStats() map[int]pool.SlotStats {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	svc.refreshPool()
	return svc.pool.Stats()
}
