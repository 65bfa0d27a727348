package model

import "encoding/json"

// Transport kinds carried in the handshake query and in transport-scoped commands.
const (
	TransportKindProducer = "producer"
	TransportKindConsumer = "consumer"
)

// Media tags select a producer/consumer slot on a participant.
const (
	MediaTagAudio  = "audio"
	MediaTagVideo  = "video"
	MediaTagScreen = "screen-media"
)

// Inbound event types.
const (
	EventJoinRoom     = "joinRoom"
	EventAddClient    = "addClient"
	EventMedia        = "media"
	EventToggleDevice = "toggleDevice"
	EventRoomClients  = "mediaRoomClients"
	EventRoomInfo     = "mediaRoomInfo"
	EventReconfigure  = "mediaReconfigure"
	EventHandshake    = "handshake"
	EventPing         = "ping"
	EventAck          = "ack"
)

// Outbound event types that are sent by server.
const (
	EventClientConnected        = "mediaClientConnected"
	EventClientDisconnect       = "mediaClientDisconnect"
	EventDisconnectMember       = "mediaDisconnectMember"
	EventProduce                = "mediaProduce"
	EventProducerClose          = "mediaProducerClose"
	EventProducerPause          = "mediaProducerPause"
	EventProducerResume         = "mediaProducerResume"
	EventReproduce              = "mediaReproduce"
	EventVideoOrientationChange = "mediaVideoOrientationChange"
	EventActiveSpeaker          = "mediaActiveSpeaker"
	EventNewConsumer            = "newConsumer"
	EventConsumerClosed         = "consumerClosed"
	EventConsumerPaused         = "consumerPaused"
	EventConsumerResumed        = "consumerResumed"
	EventConsumerScore          = "consumerScore"
	EventConsumersLayersChanged = "consumersLayersChanged"
	EventPong                   = "pong"
)

// Inbound is a single envelope received from a client. ID correlates
// request/response pairs and acks; it is empty for fire-and-forget events.
type Inbound struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a single envelope sent to a client. Either Data or Error is set.
type Outbound struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type Wire struct {
	RX chan Inbound
	TX chan Outbound
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Inbound),
		TX: make(chan Outbound, 16),
	}
}

// Query is the parsed socket handshake query. All fields are required.
type Query struct {
	UserID    string
	SessionID string
	Device    string
	Kind      string
}

// MsMessage is the payload of a "media" event: one command for the
// room dispatcher.
type MsMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ProducerCapabilities are the per-participant enable flags announced on join.
type ProducerCapabilities struct {
	ProducerAudioEnabled bool `json:"producerAudioEnabled"`
	ProducerVideoEnabled bool `json:"producerVideoEnabled"`
	GlobalAudioEnabled   bool `json:"globalAudioEnabled"`
	GlobalVideoEnabled   bool `json:"globalVideoEnabled"`
}

type PeerInfo struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	ScreenSharing bool   `json:"screenSharing"`
}

type JoinResult struct {
	UserID    string     `json:"userId"`
	PeersInfo []PeerInfo `json:"peersInfo"`
}

// TransportAppData is attached to every WebRTC transport created for a
// participant.
type TransportAppData struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// ProducerAppData is attached to every producer; MediaTag selects the slot.
type ProducerAppData struct {
	UserID   string `json:"userId"`
	MediaTag string `json:"mediaTag"`
}

// ClientStats is the per-participant slice of the read-only stats surface.
type ClientStats struct {
	ID           string `json:"id"`
	Device       string `json:"device"`
	ProduceAudio bool   `json:"produceAudio"`
	ProduceVideo bool   `json:"produceVideo"`
}

type RoomStats struct {
	ID            string         `json:"id"`
	Worker        int            `json:"worker"`
	Clients       []ClientStats  `json:"clients"`
	GroupByDevice map[string]int `json:"groupByDevice"`
}
