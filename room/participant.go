package room

import (
	"github.com/adwski/sfu-signaling/model"
	"github.com/jiyeyuran/mediasoup-go"
)

// Participant is the per-user state inside a room. It exclusively owns
// its transports, its producers and its per-peer consumer maps. Consumer
// maps are keyed by the peer's user id.
//
// All fields are guarded by the owning room's lock.
type Participant struct {
	ID     string
	Device string
	Kind   string
	Wire   model.Wire

	Joined          bool
	RtpCapabilities mediasoup.RtpCapabilities
	hasCapabilities bool

	ProducerTransport *mediasoup.WebRtcTransport
	ConsumerTransport *mediasoup.WebRtcTransport

	AudioProducer  *mediasoup.Producer
	VideoProducer  *mediasoup.Producer
	ScreenProducer *mediasoup.Producer

	AudioConsumers  map[string]*mediasoup.Consumer
	VideoConsumers  map[string]*mediasoup.Consumer
	ScreenConsumers map[string]*mediasoup.Consumer

	ProducerAudioEnabled bool
	ProducerVideoEnabled bool
	GlobalAudioEnabled   bool
	GlobalVideoEnabled   bool
	ScreenSharing        bool

	lastAudioScore []mediasoup.ProducerScore
	lastVideoScore []mediasoup.ProducerScore
}

func newParticipant(q model.Query, wire model.Wire) *Participant {
	return &Participant{
		ID:              q.UserID,
		Device:          q.Device,
		Kind:            q.Kind,
		Wire:            wire,
		AudioConsumers:  make(map[string]*mediasoup.Consumer),
		VideoConsumers:  make(map[string]*mediasoup.Consumer),
		ScreenConsumers: make(map[string]*mediasoup.Consumer),
	}
}

func (p *Participant) producerByTag(tag string) *mediasoup.Producer {
	switch tag {
	case model.MediaTagAudio:
		return p.AudioProducer
	case model.MediaTagVideo:
		return p.VideoProducer
	case model.MediaTagScreen:
		return p.ScreenProducer
	}
	return nil
}

func (p *Participant) setProducer(tag string, producer *mediasoup.Producer) {
	switch tag {
	case model.MediaTagAudio:
		p.AudioProducer = producer
	case model.MediaTagVideo:
		p.VideoProducer = producer
	case model.MediaTagScreen:
		p.ScreenProducer = producer
	}
}

func (p *Participant) consumersByTag(tag string) map[string]*mediasoup.Consumer {
	switch tag {
	case model.MediaTagAudio:
		return p.AudioConsumers
	case model.MediaTagVideo:
		return p.VideoConsumers
	case model.MediaTagScreen:
		return p.ScreenConsumers
	}
	return nil
}

func (p *Participant) transportByKind(kind string) *mediasoup.WebRtcTransport {
	switch kind {
	case model.TransportKindProducer:
		return p.ProducerTransport
	case model.TransportKindConsumer:
		return p.ConsumerTransport
	}
	return nil
}

// producerCount counts the live producers of this participant.
func (p *Participant) producerCount() int {
	var n int
	for _, producer := range []*mediasoup.Producer{p.AudioProducer, p.VideoProducer, p.ScreenProducer} {
		if producer != nil && !producer.Closed() {
			n++
		}
	}
	return n
}

// globalEnabled reports the global enable flag guarding a media tag.
func (p *Participant) globalEnabled(tag string) bool {
	if tag == model.MediaTagAudio {
		return p.GlobalAudioEnabled
	}
	return p.GlobalVideoEnabled
}

func (p *Participant) setEnabled(tag string, enabled bool) {
	switch tag {
	case model.MediaTagAudio:
		p.ProducerAudioEnabled = enabled
	case model.MediaTagVideo:
		p.ProducerVideoEnabled = enabled
	}
}

func (p *Participant) setGlobalEnabled(tag string, enabled bool) {
	switch tag {
	case model.MediaTagAudio:
		p.GlobalAudioEnabled = enabled
	case model.MediaTagVideo, model.MediaTagScreen:
		p.GlobalVideoEnabled = enabled
	}
}

// closeMedia tears down every media handle of the participant:
// producers first, then consumers, then both transports. Participant
// identity and enable flags survive, so the record can be reused after a
// room reconfiguration; ScreenSharing is cleared with the screen producer.
func (p *Participant) closeMedia() {
	for _, producer := range []*mediasoup.Producer{p.AudioProducer, p.VideoProducer, p.ScreenProducer} {
		if producer != nil {
			producer.Close()
		}
	}
	p.AudioProducer = nil
	p.VideoProducer = nil
	p.ScreenProducer = nil

	for _, consumers := range []map[string]*mediasoup.Consumer{p.AudioConsumers, p.VideoConsumers, p.ScreenConsumers} {
		for peerID, consumer := range consumers {
			consumer.Close()
			delete(consumers, peerID)
		}
	}

	if p.ProducerTransport != nil {
		p.ProducerTransport.Close()
		p.ProducerTransport = nil
	}
	if p.ConsumerTransport != nil {
		p.ConsumerTransport.Close()
		p.ConsumerTransport = nil
	}
	p.ScreenSharing = false
}

func (p *Participant) stats() model.ClientStats {
	return model.ClientStats{
		ID:           p.ID,
		Device:       p.Device,
		ProduceAudio: p.ProducerAudioEnabled,
		ProduceVideo: p.ProducerVideoEnabled,
	}
}

func (p *Participant) info() model.PeerInfo {
	return model.PeerInfo{
		ID:            p.ID,
		Kind:          p.Kind,
		ScreenSharing: p.ScreenSharing,
	}
}
