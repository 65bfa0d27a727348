package _switch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/sfu-signaling/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second

	defaultRequestTimeout  = 20 * time.Second
	defaultRequestAttempts = 4 // first send plus three retries
)

var (
	ErrRequestTimeout = errors.New("request was not acknowledged in time")
)

// Switch holds the broadcast groups: per-session maps of participant
// wires. It is the only place where peers' sockets are addressable
// together.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	groups  map[string]map[string]model.Wire
	pending map[string]chan json.RawMessage
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		groups:  make(map[string]map[string]model.Wire),
		pending: make(map[string]chan json.RawMessage),
	}
}

// Join adds a participant's wire to the session broadcast group.
func (sw *Switch) Join(sessionID, userID string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("sessionID", sessionID).
			Str("userID", userID).
			Msg("endpoint joined broadcast group")
	}()

	group, ok := sw.groups[sessionID]
	if !ok {
		group = make(map[string]model.Wire)
		sw.groups[sessionID] = group
	}
	group[userID] = wire
}

// Leave removes a participant from the session broadcast group.
// Unknown participants are ignored.
func (sw *Switch) Leave(sessionID, userID string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("sessionID", sessionID).
			Str("userID", userID).
			Msg("endpoint left broadcast group")
	}()

	group, ok := sw.groups[sessionID]
	if ok {
		delete(group, userID)
		if len(group) == 0 {
			delete(sw.groups, sessionID)
		}
	}
}

// Broadcast sends an event to every group member except the sender.
func (sw *Switch) Broadcast(sessionID, sender, event string, data any) {
	sw.fanOut(sessionID, sender, event, data)
}

// BroadcastAll sends an event to every group member including the sender.
func (sw *Switch) BroadcastAll(sessionID, event string, data any) {
	sw.fanOut(sessionID, "", event, data)
}

// Notify sends an event to exactly one group member. Unknown members are
// reported as not sent, which the callers treat as harmless.
func (sw *Switch) Notify(sessionID, userID, event string, data any) bool {
	sw.mx.RLock()
	wire, ok := sw.groups[sessionID][userID]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("sessionID", sessionID).
			Str("userID", userID).
			Str("event", event).
			Msg("cannot notify, dst not found")
		return false
	}
	sent, _ := send(model.Outbound{Event: event, Data: data}, wire.TX, &sw.logger)
	return sent
}

// Request sends an event to one group member and waits for the matching
// ack envelope. The send is retried up to three times, each attempt with
// its own timeout; the final miss is ErrRequestTimeout.
func (sw *Switch) Request(ctx context.Context, sessionID, userID, event string, data any) (json.RawMessage, error) {
	id := uuid.NewString()
	ackc := make(chan json.RawMessage, 1)

	sw.mx.Lock()
	sw.pending[id] = ackc
	sw.mx.Unlock()

	defer func() {
		sw.mx.Lock()
		delete(sw.pending, id)
		sw.mx.Unlock()
	}()

	logger := sw.logger.With().
		Str("sessionID", sessionID).
		Str("userID", userID).
		Str("event", event).
		Str("requestID", id).Logger()

	for attempt := 1; attempt <= defaultRequestAttempts; attempt++ {
		sw.mx.RLock()
		wire, ok := sw.groups[sessionID][userID]
		sw.mx.RUnlock()
		if !ok {
			logger.Debug().Msg("cannot send request, dst not found")
			return nil, ErrRequestTimeout
		}

		if sent, _ := send(model.Outbound{ID: id, Event: event, Data: data}, wire.TX, &logger); !sent {
			continue
		}

		tCh := time.NewTimer(defaultRequestTimeout)
		select {
		case <-ctx.Done():
			tCh.Stop()
			return nil, ctx.Err()
		case ack := <-ackc:
			tCh.Stop()
			return ack, nil
		case <-tCh.C:
			logger.Warn().Int("attempt", attempt).Msg("request was not acknowledged")
		}
	}
	return nil, ErrRequestTimeout
}

// HandleAck routes an ack envelope to the pending request it answers.
// Acks without a matching request are dropped.
func (sw *Switch) HandleAck(id string, data json.RawMessage) {
	sw.mx.RLock()
	ackc, ok := sw.pending[id]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().Str("requestID", id).Msg("ack without pending request")
		return
	}
	select {
	case ackc <- data:
	default:
	}
}

func (sw *Switch) fanOut(sessionID, sender, event string, data any) {
	sw.mx.RLock()
	group := sw.groups[sessionID]
	wires := make(map[string]model.Wire, len(group))
	for dst, wire := range group {
		wires[dst] = wire
	}
	sw.mx.RUnlock()

	var sent bool
	for dst, wire := range wires {
		if dst == sender {
			continue
		}
		logger := sw.logger.With().
			Str("sessionID", sessionID).
			Str("event", event).
			Str("dst", dst).Logger()
		if annSent, _ := send(model.Outbound{Event: event, Data: data}, wire.TX, &logger); annSent {
			sent = true
		}
	}
	if !sent {
		sw.logger.Debug().
			Str("sessionID", sessionID).
			Str("event", event).
			Msg("fan-out did not reach anyone")
	}
}

func send(msg model.Outbound, tx chan<- model.Outbound, logger *zerolog.Logger) (bool, bool) {
	var sent, dead bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-tCh.C:
		logger.Error().Str("event", msg.Event).Msg("dead endpoint")
		dead = true
	case tx <- msg:
		sent = true
	}
	tCh.Stop()
	return sent, dead
}
