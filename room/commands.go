package room

import (
	"encoding/json"
	"errors"

	"github.com/adwski/sfu-signaling/model"
	"github.com/jiyeyuran/mediasoup-go"
)

// Media actions accepted by the room command dispatcher.
const (
	ActionGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	ActionCreateWebRtcTransport    = "createWebRtcTransport"
	ActionConnectWebRtcTransport   = "connectWebRtcTransport"
	ActionProduce                  = "produce"
	ActionConsume                  = "consume"
	ActionRestartIce               = "restartIce"
	ActionRequestConsumerKeyFrame  = "requestConsumerKeyFrame"
	ActionGetTransportStats        = "getTransportStats"
	ActionGetProducerStats         = "getProducerStats"
	ActionGetConsumerStats         = "getConsumerStats"
	ActionGetAudioProducerIds      = "getAudioProducerIds"
	ActionGetVideoProducerIds      = "getVideoProducerIds"
	ActionProducerClose            = "producerClose"
	ActionProducerPause            = "producerPause"
	ActionProducerResume           = "producerResume"
	ActionAllProducerClose         = "allProducerClose"
	ActionAllProducerPause         = "allProducerPause"
	ActionAllProducerResume        = "allProducerResume"
)

var errBadPayload = errors.New("malformed action payload")

type transportData struct {
	Kind string `json:"kind"`
}

type connectData struct {
	Kind           string                   `json:"kind"`
	DtlsParameters mediasoup.DtlsParameters `json:"dtlsParameters"`
}

type produceData struct {
	Kind          string                  `json:"kind"`
	RtpParameters mediasoup.RtpParameters `json:"rtpParameters"`
	AppData       struct {
		MediaTag string `json:"mediaTag"`
	} `json:"appData"`
}

type consumeData struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

type producerStateData struct {
	UserID        string `json:"userId"`
	Kind          string `json:"kind"`
	IsGlobal      bool   `json:"isGlobal"`
	IsScreenMedia bool   `json:"isScreenMedia"`
}

type bulkData struct {
	Kind string `json:"kind"`
}

// Command dispatches one participant request onto the room media state.
// Handlers return either a result or an error; errors are reported back
// on the request channel and never disconnect the socket.
func (r *Room) Command(userID string, msg model.MsMessage) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRoomClosed
	}
	if r.reconfiguring {
		return nil, ErrRoomReconfiguring
	}
	p, ok := r.participants[userID]
	if !ok {
		return nil, ErrParticipantNotFound
	}

	switch msg.Action {
	case ActionGetRouterRtpCapabilities:
		return r.router.RtpCapabilities(), nil
	case ActionCreateWebRtcTransport:
		return r.createWebRtcTransport(p, msg.Data)
	case ActionConnectWebRtcTransport:
		return r.connectWebRtcTransport(p, msg.Data)
	case ActionProduce:
		return r.produce(p, msg.Data)
	case ActionConsume:
		return r.consume(p, msg.Data)
	case ActionRestartIce:
		return r.restartIce(p, msg.Data)
	case ActionRequestConsumerKeyFrame:
		return r.requestConsumerKeyFrame(p, msg.Data)
	case ActionGetTransportStats:
		return r.getTransportStats(p, msg.Data)
	case ActionGetProducerStats:
		return r.getProducerStats(p, msg.Data)
	case ActionGetConsumerStats:
		return r.getConsumerStats(p, msg.Data)
	case ActionGetAudioProducerIds:
		return r.producerIDs(p, model.MediaTagAudio), nil
	case ActionGetVideoProducerIds:
		return r.producerIDs(p, model.MediaTagVideo), nil
	case ActionProducerClose:
		return r.producerClose(p, msg.Data)
	case ActionProducerPause:
		return r.producerPause(p, msg.Data)
	case ActionProducerResume:
		return r.producerResume(p, msg.Data)
	case ActionAllProducerClose:
		return r.allProducerClose(msg.Data)
	case ActionAllProducerPause:
		return r.allProducerPause(msg.Data)
	case ActionAllProducerResume:
		return r.allProducerResume(msg.Data)
	}
	return nil, ErrUnknownAction
}

func (r *Room) createWebRtcTransport(p *Participant, raw json.RawMessage) (any, error) {
	var data transportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}

	tcfg := r.cfg.WebRtcTransport
	transport, err := r.router.CreateWebRtcTransport(mediasoup.WebRtcTransportOptions{
		ListenIps:                       tcfg.TransportListenIps(),
		EnableUdp:                       mediasoup.Bool(true),
		EnableTcp:                       true,
		PreferUdp:                       true,
		EnableSctp:                      true,
		MaxSctpMessageSize:              tcfg.MaxSctpMessageSize,
		InitialAvailableOutgoingBitrate: tcfg.InitialAvailableOutgoingBitrate,
		AppData:                         model.TransportAppData{UserID: p.ID, Kind: data.Kind},
	})
	if err != nil {
		return nil, err
	}
	r.wireTransport(p.ID, data.Kind, transport)

	switch data.Kind {
	case model.TransportKindProducer:
		p.ProducerTransport = transport
	case model.TransportKindConsumer:
		p.ConsumerTransport = transport
	default:
		transport.Close()
		return nil, ErrTransportNotFound
	}
	r.updateIncomingBitrate()

	return map[string]any{
		"id":             transport.Id(),
		"iceParameters":  transport.IceParameters(),
		"iceCandidates":  transport.IceCandidates(),
		"dtlsParameters": transport.DtlsParameters(),
	}, nil
}

func (r *Room) connectWebRtcTransport(p *Participant, raw json.RawMessage) (any, error) {
	var data connectData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	transport := p.transportByKind(data.Kind)
	if transport == nil {
		return nil, ErrTransportNotFound
	}
	if err := transport.Connect(mediasoup.TransportConnectOptions{
		DtlsParameters: &data.DtlsParameters,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"connected": true}, nil
}

func (r *Room) produce(p *Participant, raw json.RawMessage) (any, error) {
	var data produceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	if p.ProducerTransport == nil {
		return nil, ErrTransportNotFound
	}
	tag := data.AppData.MediaTag
	switch tag {
	case model.MediaTagAudio, model.MediaTagVideo, model.MediaTagScreen:
	default:
		return nil, errBadPayload
	}

	// Re-publication after mediaReproduce replaces the slot.
	if old := p.producerByTag(tag); old != nil && !old.Closed() {
		old.Close()
	}

	producer, err := p.ProducerTransport.Produce(mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(data.Kind),
		RtpParameters: data.RtpParameters,
		AppData:       model.ProducerAppData{UserID: p.ID, MediaTag: tag},
	})
	if err != nil {
		return nil, err
	}
	p.setProducer(tag, producer)
	r.wireProducer(p, tag, producer)

	switch tag {
	case model.MediaTagAudio:
		r.audioObserver.AddProducer(producer.Id())
		fallthrough
	case model.MediaTagVideo:
		// Audio and camera video start paused until the client resumes;
		// screen share is left running.
		if err = producer.Pause(); err != nil {
			r.logger.Warn().Err(err).Str("mediaTag", tag).Msg("failed to pause fresh producer")
		}
	case model.MediaTagScreen:
		p.ScreenSharing = true
	}

	r.fanout.Broadcast(r.id, p.ID, model.EventProduce, map[string]any{
		"userId":   p.ID,
		"mediaTag": tag,
	})

	for _, sub := range r.participants {
		if sub.ID == p.ID || !sub.Joined {
			continue
		}
		r.createPushConsumer(sub, p, producer, tag)
	}
	r.updateIncomingBitrate()

	r.logger.Debug().
		Str("userID", p.ID).
		Str("mediaTag", tag).
		Str("producerID", producer.Id()).
		Msg("producer created")
	return map[string]any{"id": producer.Id()}, nil
}

// consume is the client-initiated pull flow. It is idempotent: a second
// consume for the same peer and media tag returns the existing
// consumer's descriptor.
func (r *Room) consume(p *Participant, raw json.RawMessage) (any, error) {
	var data consumeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	src, ok := r.participants[data.UserID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	producer := src.producerByTag(data.Kind)
	if producer == nil || producer.Closed() {
		return nil, ErrCannotConsume
	}
	if existing, ok := p.consumersByTag(data.Kind)[src.ID]; ok && !existing.Closed() {
		return describeConsumer(src.ID, data.Kind, existing), nil
	}
	if !p.hasCapabilities {
		return nil, ErrCannotConsume
	}
	if p.ConsumerTransport == nil {
		return nil, ErrTransportNotFound
	}
	if !r.router.CanConsume(producer.Id(), p.RtpCapabilities) {
		return nil, ErrCannotConsume
	}

	consumer, err := p.ConsumerTransport.Consume(mediasoup.ConsumerOptions{
		ProducerId:      producer.Id(),
		RtpCapabilities: p.RtpCapabilities,
		Paused:          producer.Paused(),
		AppData:         model.ProducerAppData{UserID: src.ID, MediaTag: data.Kind},
	})
	if err != nil {
		return nil, err
	}
	p.consumersByTag(data.Kind)[src.ID] = consumer
	r.wireConsumer(p, src.ID, data.Kind, consumer)

	if consumer.Kind() == mediasoup.MediaKind_Video {
		if consumer.Type() == mediasoup.ConsumerType_Simulcast {
			if err = consumer.SetPreferredLayers(mediasoup.ConsumerLayers{
				SpatialLayer:  preferredSpatialLayer,
				TemporalLayer: preferredTemporalLayer,
			}); err != nil {
				r.logger.Warn().Err(err).Msg("failed to set preferred layers")
			}
		}
		if err = consumer.Resume(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to resume video consumer")
		}
	}
	return describeConsumer(src.ID, data.Kind, consumer), nil
}

func (r *Room) restartIce(p *Participant, raw json.RawMessage) (any, error) {
	var data transportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	transport := p.transportByKind(data.Kind)
	if transport == nil {
		return nil, ErrTransportNotFound
	}
	iceParameters, err := transport.RestartIce()
	if err != nil {
		return nil, err
	}
	return map[string]any{"iceParameters": iceParameters}, nil
}

func (r *Room) requestConsumerKeyFrame(p *Participant, raw json.RawMessage) (any, error) {
	var data consumeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	tag := data.Kind
	if tag == "" {
		tag = model.MediaTagVideo
	}
	consumer, ok := p.consumersByTag(tag)[data.UserID]
	if !ok || consumer.Closed() {
		return nil, ErrConsumerNotFound
	}
	if err := consumer.RequestKeyFrame(); err != nil {
		return nil, err
	}
	return map[string]any{"requested": true}, nil
}

func (r *Room) getTransportStats(p *Participant, raw json.RawMessage) (any, error) {
	var data transportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	transport := p.transportByKind(data.Kind)
	if transport == nil {
		return nil, ErrTransportNotFound
	}
	stats, err := transport.GetStats()
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": transport.Id(), "kind": data.Kind, "stats": stats}, nil
}

func (r *Room) getProducerStats(p *Participant, raw json.RawMessage) (any, error) {
	var data producerStateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	target, tag, err := r.resolveProducerTarget(p, data)
	if err != nil {
		return nil, err
	}
	producer := target.producerByTag(tag)
	if producer == nil || producer.Closed() {
		return nil, ErrProducerNotFound
	}
	stats, err := producer.GetStats()
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": producer.Id(), "mediaTag": tag, "stats": stats}, nil
}

func (r *Room) getConsumerStats(p *Participant, raw json.RawMessage) (any, error) {
	var data consumeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	consumer, ok := p.consumersByTag(data.Kind)[data.UserID]
	if !ok || consumer.Closed() {
		return nil, ErrConsumerNotFound
	}
	stats, err := consumer.GetStats()
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": consumer.Id(), "mediaTag": data.Kind, "stats": stats}, nil
}

func (r *Room) producerIDs(p *Participant, tag string) []string {
	ids := make([]string, 0, len(r.participants))
	for _, other := range r.participants {
		if other.ID == p.ID || !other.Joined {
			continue
		}
		if producer := other.producerByTag(tag); producer != nil && !producer.Closed() {
			ids = append(ids, producer.Id())
		}
	}
	return ids
}

func (r *Room) resolveProducerTarget(p *Participant, data producerStateData) (*Participant, string, error) {
	target := p
	if data.UserID != "" && data.UserID != p.ID {
		var ok bool
		if target, ok = r.participants[data.UserID]; !ok {
			return nil, "", ErrParticipantNotFound
		}
	}
	tag := data.Kind
	if data.IsScreenMedia {
		tag = model.MediaTagScreen
	}
	switch tag {
	case model.MediaTagAudio, model.MediaTagVideo, model.MediaTagScreen:
		return target, tag, nil
	}
	return nil, "", errBadPayload
}

func (r *Room) producerClose(p *Participant, raw json.RawMessage) (any, error) {
	var data producerStateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	target, tag, err := r.resolveProducerTarget(p, data)
	if err != nil {
		return nil, err
	}
	if target.producerByTag(tag) == nil {
		return nil, ErrProducerNotFound
	}
	r.closeProducer(target, tag)
	return map[string]any{"closed": true}, nil
}

// closeProducer closes every dependent consumer first, then the producer
// itself. Called under the lock.
func (r *Room) closeProducer(target *Participant, tag string) {
	for _, sub := range r.participants {
		if sub.ID == target.ID {
			continue
		}
		if consumer, ok := sub.consumersByTag(tag)[target.ID]; ok {
			consumer.Close()
			delete(sub.consumersByTag(tag), target.ID)
		}
	}
	if producer := target.producerByTag(tag); producer != nil {
		producer.Close()
	}
	target.setProducer(tag, nil)
	if tag == model.MediaTagScreen {
		target.ScreenSharing = false
	}
	r.fanout.BroadcastAll(r.id, model.EventProducerClose, map[string]any{
		"userId":   target.ID,
		"mediaTag": tag,
	})
	r.updateIncomingBitrate()
}

func (r *Room) producerPause(p *Participant, raw json.RawMessage) (any, error) {
	var data producerStateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	target, tag, err := r.resolveProducerTarget(p, data)
	if err != nil {
		return nil, err
	}
	if !data.IsGlobal && !target.globalEnabled(tag) {
		// Media is already globally muted, per-user pause is redundant.
		return map[string]any{"paused": false}, nil
	}
	r.pauseProducer(target, tag, data.IsGlobal)
	return map[string]any{"paused": true}, nil
}

func (r *Room) pauseProducer(target *Participant, tag string, isGlobal bool) {
	if isGlobal {
		target.setGlobalEnabled(tag, false)
	}
	producer := target.producerByTag(tag)
	if producer == nil || producer.Closed() || producer.Paused() {
		return
	}
	if err := producer.Pause(); err != nil {
		r.logger.Warn().Err(err).
			Str("userID", target.ID).
			Str("mediaTag", tag).
			Msg("failed to pause producer")
		return
	}
	target.setEnabled(tag, false)
	r.fanout.BroadcastAll(r.id, model.EventProducerPause, map[string]any{
		"userId":   target.ID,
		"mediaTag": tag,
		"isGlobal": isGlobal,
	})
}

func (r *Room) producerResume(p *Participant, raw json.RawMessage) (any, error) {
	var data producerStateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	target, tag, err := r.resolveProducerTarget(p, data)
	if err != nil {
		return nil, err
	}
	if !data.IsGlobal && !target.globalEnabled(tag) {
		return map[string]any{"resumed": false}, nil
	}
	r.resumeProducer(target, tag, data.IsGlobal)
	return map[string]any{"resumed": true}, nil
}

func (r *Room) resumeProducer(target *Participant, tag string, isGlobal bool) {
	if isGlobal {
		target.setGlobalEnabled(tag, true)
	}
	producer := target.producerByTag(tag)
	if producer == nil || producer.Closed() {
		// The media is gone, ask the owner to publish again.
		r.fanout.Notify(r.id, target.ID, model.EventReproduce, map[string]any{"mediaTag": tag})
		return
	}
	if !producer.Paused() {
		return
	}
	if err := producer.Resume(); err != nil {
		r.logger.Warn().Err(err).
			Str("userID", target.ID).
			Str("mediaTag", tag).
			Msg("failed to resume producer")
		return
	}
	target.setEnabled(tag, true)
	r.fanout.BroadcastAll(r.id, model.EventProducerResume, map[string]any{
		"userId":   target.ID,
		"mediaTag": tag,
		"isGlobal": isGlobal,
	})
}

func (r *Room) allProducerClose(raw json.RawMessage) (any, error) {
	var data bulkData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	for _, target := range r.participants {
		if target.producerByTag(data.Kind) != nil {
			r.closeProducer(target, data.Kind)
		}
	}
	return map[string]any{"closed": true}, nil
}

func (r *Room) allProducerPause(raw json.RawMessage) (any, error) {
	var data bulkData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	for _, target := range r.participants {
		if producer := target.producerByTag(data.Kind); producer != nil && producer.Closed() {
			r.fanout.Notify(r.id, target.ID, model.EventReproduce, map[string]any{"mediaTag": data.Kind})
			continue
		}
		r.pauseProducer(target, data.Kind, true)
	}
	return map[string]any{"paused": true}, nil
}

func (r *Room) allProducerResume(raw json.RawMessage) (any, error) {
	var data bulkData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Join(errBadPayload, err)
	}
	for _, target := range r.participants {
		r.resumeProducer(target, data.Kind, true)
	}
	return map[string]any{"resumed": true}, nil
}
