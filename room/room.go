package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/sfu-signaling/config"
	"github.com/adwski/sfu-signaling/model"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog"
)

const (
	audioLevelMaxEntries = 1
	audioLevelThreshold  = -80
	audioLevelInterval   = 800

	audioConsumerPriority = 255

	preferredSpatialLayer  = 2
	preferredTemporalLayer = 2
)

// Fanout delivers room-wide and per-peer events. Implemented by the switch.
type Fanout interface {
	Join(sessionID, userID string, wire model.Wire)
	Leave(sessionID, userID string)
	Broadcast(sessionID, sender, event string, data any)
	BroadcastAll(sessionID, event string, data any)
	Notify(sessionID, userID, event string, data any) bool
	Request(ctx context.Context, sessionID, userID, event string, data any) (json.RawMessage, error)
}

// Room is a per-session container: one router on one worker, an audio
// level observer on that router, and the participant records. All
// mutating commands are serialized by the room lock; media worker calls
// happen under it, except awaiting peer acks, which re-checks liveness
// after re-acquiring the lock.
type Room struct {
	logger zerolog.Logger
	fanout Fanout
	cfg    *config.Config

	mu            sync.Mutex
	id            string
	workerIndex   int
	worker        *mediasoup.Worker
	router        *mediasoup.Router
	audioObserver mediasoup.IRtpObserver
	participants  map[string]*Participant
	closed        bool
	reconfiguring bool
}

type Config struct {
	ID          string
	WorkerIndex int
	Worker      *mediasoup.Worker
	Fanout      Fanout
	Config      *config.Config
	Logger      *zerolog.Logger
}

// New creates a room with a fresh router and audio level observer on the
// given worker. Failure at any sub-step leaves no partial media state.
func New(cfg Config) (*Room, error) {
	r := &Room{
		logger: cfg.Logger.With().
			Str("component", "room").
			Str("sessionID", cfg.ID).Logger(),
		fanout:       cfg.Fanout,
		cfg:          cfg.Config,
		id:           cfg.ID,
		workerIndex:  cfg.WorkerIndex,
		worker:       cfg.Worker,
		participants: make(map[string]*Participant),
	}
	if err := r.bindMedia(); err != nil {
		return nil, err
	}
	return r, nil
}

// bindMedia creates the router and the audio level observer on the
// current worker. Called under the lock except from New.
func (r *Room) bindMedia() error {
	router, err := r.worker.CreateRouter(mediasoup.RouterOptions{
		MediaCodecs: r.cfg.Router.MediaCodecCapabilities(),
	})
	if err != nil {
		return errors.Join(ErrRoomInit, err)
	}

	observer, err := router.CreateAudioLevelObserver(func(o *mediasoup.AudioLevelObserverOptions) {
		o.MaxEntries = audioLevelMaxEntries
		o.Threshold = audioLevelThreshold
		o.Interval = audioLevelInterval
	})
	if err != nil {
		router.Close()
		return errors.Join(ErrRoomInit, err)
	}

	observer.On("volumes", func(volumes []mediasoup.AudioLevelObserverVolume) {
		go r.onVolumes(volumes)
	})
	observer.On("silence", func() {
		go r.onSilence()
	})

	r.router = router
	r.audioObserver = observer
	return nil
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) WorkerIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerIndex
}

func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// AddClient admits a participant before join. The participant does not
// receive fan-out until it joins.
func (r *Room) AddClient(q model.Query, wire model.Wire) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.participants[q.UserID]; ok {
		return ErrDuplicateParticipant
	}
	r.participants[q.UserID] = newParticipant(q, wire)
	r.logger.Debug().Str("userID", q.UserID).Str("kind", q.Kind).Msg("client admitted")
	return nil
}

// Join marks an admitted participant as joined: records its RTP
// capabilities and enable flags, adds it to the broadcast group, and
// prepares consumers for every already-producing peer.
func (r *Room) Join(q model.Query, rtpCapabilities mediasoup.RtpCapabilities, caps model.ProducerCapabilities) (model.JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return model.JoinResult{}, ErrRoomClosed
	}
	p, ok := r.participants[q.UserID]
	if !ok {
		return model.JoinResult{}, ErrParticipantNotFound
	}
	if p.Joined {
		return model.JoinResult{}, ErrAlreadyJoined
	}

	p.RtpCapabilities = rtpCapabilities
	p.hasCapabilities = true
	p.ProducerAudioEnabled = caps.ProducerAudioEnabled
	p.ProducerVideoEnabled = caps.ProducerVideoEnabled
	p.GlobalAudioEnabled = caps.GlobalAudioEnabled
	p.GlobalVideoEnabled = caps.GlobalVideoEnabled
	p.Joined = true

	r.fanout.Join(r.id, p.ID, p.Wire)

	peers := make([]model.PeerInfo, 0, len(r.participants)-1)
	for _, src := range r.participants {
		if src.ID == p.ID || !src.Joined {
			continue
		}
		peers = append(peers, src.info())
		for _, tag := range []string{model.MediaTagAudio, model.MediaTagVideo, model.MediaTagScreen} {
			if producer := src.producerByTag(tag); producer != nil && !producer.Closed() {
				r.createPushConsumer(p, src, producer, tag)
			}
		}
	}

	r.fanout.BroadcastAll(r.id, model.EventClientConnected, map[string]any{
		"userId": p.ID,
		"kind":   p.Kind,
		"device": p.Device,
	})
	r.logger.Info().Str("userID", p.ID).Msg("client joined")

	return model.JoinResult{UserID: p.ID, PeersInfo: peers}, nil
}

// Remove tears down a participant and reports how many are left.
// Removing an unknown participant is a no-op.
func (r *Room) Remove(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return len(r.participants)
	}

	if p.Joined {
		r.fanout.Broadcast(r.id, userID, model.EventClientDisconnect, map[string]any{"userId": userID})
		r.fanout.Leave(r.id, userID)
	}
	p.closeMedia()
	delete(r.participants, userID)
	r.updateIncomingBitrate()
	r.logger.Info().Str("userID", userID).Msg("client removed")
	return len(r.participants)
}

// Close tears down the whole room. Safe to call twice.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for _, p := range r.participants {
		if p.Joined {
			r.fanout.Notify(r.id, p.ID, model.EventDisconnectMember, map[string]any{"userId": p.ID})
			r.fanout.Leave(r.id, p.ID)
		}
		p.closeMedia()
	}
	r.participants = make(map[string]*Participant)

	if r.audioObserver != nil {
		r.audioObserver.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	r.logger.Info().Msg("room closed")
}

// ReConfigure moves the room onto another worker. Participant records
// survive but every media handle is closed; clients are told to
// renegotiate with mediaReconfigure. The room lock is held for the whole
// move, so media commands issued meanwhile wait and then run; they are
// not rejected. Only after a move that failed to bind new media do
// commands fail with ErrRoomReconfiguring.
func (r *Room) ReConfigure(worker *mediasoup.Worker, workerIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	r.reconfiguring = true

	for _, p := range r.participants {
		p.closeMedia()
	}
	if r.audioObserver != nil {
		r.audioObserver.Close()
	}
	if r.router != nil {
		r.router.Close()
	}

	r.worker = worker
	r.workerIndex = workerIndex
	if err := r.bindMedia(); err != nil {
		// Room stays unusable until the next reconfigure attempt.
		r.logger.Error().Err(err).Msg("reconfigure failed, room has no media")
		return err
	}
	r.reconfiguring = false

	r.fanout.BroadcastAll(r.id, model.EventReconfigure, map[string]any{"sessionId": r.id})
	r.logger.Info().Int("workerIndex", workerIndex).Msg("room reconfigured")
	return nil
}

// RelayToggleDevice forwards a device toggle to the rest of the room.
func (r *Room) RelayToggleDevice(sender, action, kind string) {
	r.fanout.Broadcast(r.id, sender, model.EventToggleDevice, map[string]any{
		"sender": sender,
		"action": action,
		"kind":   kind,
	})
}

// Clients lists admitted participants.
func (r *Room) Clients() []model.ClientStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]model.ClientStats, 0, len(r.participants))
	for _, p := range r.participants {
		clients = append(clients, p.stats())
	}
	return clients
}

// Stats is the read-only stats snapshot of this room.
func (r *Room) Stats() model.RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := model.RoomStats{
		ID:            r.id,
		Worker:        r.workerIndex,
		Clients:       make([]model.ClientStats, 0, len(r.participants)),
		GroupByDevice: make(map[string]int),
	}
	for _, p := range r.participants {
		stats.Clients = append(stats.Clients, p.stats())
		stats.GroupByDevice[p.Device]++
	}
	return stats
}

// activeSpeaker is the mediaActiveSpeaker payload; UserID is null on silence.
type activeSpeaker struct {
	UserID *string `json:"userId"`
	Volume int     `json:"volume,omitempty"`
}

func (r *Room) onVolumes(volumes []mediasoup.AudioLevelObserverVolume) {
	if len(volumes) == 0 {
		return
	}
	appData, ok := volumes[0].Producer.AppData().(model.ProducerAppData)
	if !ok {
		return
	}
	r.fanout.BroadcastAll(r.id, model.EventActiveSpeaker, activeSpeaker{
		UserID: &appData.UserID,
		Volume: volumes[0].Volume,
	})
}

func (r *Room) onSilence() {
	r.fanout.BroadcastAll(r.id, model.EventActiveSpeaker, activeSpeaker{})
}

// totalProducerCount counts live producers across all participants.
// Called under the lock.
func (r *Room) totalProducerCount() int {
	var n int
	for _, p := range r.participants {
		n += p.producerCount()
	}
	return n
}

// incomingBitrate derives the per-transport incoming bitrate cap from
// the current producer topology.
func incomingBitrate(producers int, t config.WebRtcTransport) int {
	if producers < 3 {
		return t.MaximumAvailableOutgoingBitrate
	}
	raw := int(float64(t.MaximumAvailableOutgoingBitrate) / (float64(producers-1) * t.FactorIncomingBitrate))
	if raw < t.MinimumAvailableOutgoingBitrate {
		return t.MinimumAvailableOutgoingBitrate
	}
	return raw
}

// updateIncomingBitrate reapplies bitrate governance to every live
// transport in the room. Called under the lock whenever producer
// topology changes or a transport is created.
func (r *Room) updateIncomingBitrate() {
	bitrate := r.cfg.WebRtcTransport.MaxIncomingBitrate
	if bitrate <= 0 {
		bitrate = incomingBitrate(r.totalProducerCount(), r.cfg.WebRtcTransport)
	}
	for _, p := range r.participants {
		for _, transport := range []*mediasoup.WebRtcTransport{p.ProducerTransport, p.ConsumerTransport} {
			if transport == nil {
				continue
			}
			if err := transport.SetMaxIncomingBitrate(bitrate); err != nil {
				r.logger.Warn().Err(err).
					Str("userID", p.ID).
					Int("bitrate", bitrate).
					Msg("failed to set max incoming bitrate")
			}
		}
	}
}
