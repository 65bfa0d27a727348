package config

import (
	"errors"
	"os"
	"runtime"

	"github.com/jiyeyuran/mediasoup-go"
	"gopkg.in/yaml.v3"
)

var (
	ErrRead  = errors.New("unable to read config file")
	ErrParse = errors.New("unable to parse config file")
)

type Config struct {
	WorkerPoolSize  int             `yaml:"worker_pool_size"`
	Worker          Worker          `yaml:"worker"`
	Router          Router          `yaml:"router"`
	WebRtcTransport WebRtcTransport `yaml:"webrtc_transport"`
	API             API             `yaml:"api"`
}

type Worker struct {
	RtcMinPort          uint16   `yaml:"rtc_min_port"`
	RtcMaxPort          uint16   `yaml:"rtc_max_port"`
	LogLevel            string   `yaml:"log_level"`
	LogTags             []string `yaml:"log_tags"`
	DtlsCertificateFile string   `yaml:"dtls_certificate_file"`
	DtlsPrivateKeyFile  string   `yaml:"dtls_private_key_file"`
}

type Router struct {
	MediaCodecs []Codec `yaml:"media_codecs"`
}

type Codec struct {
	Kind       string          `yaml:"kind"`
	MimeType   string          `yaml:"mime_type"`
	ClockRate  int             `yaml:"clock_rate"`
	Channels   int             `yaml:"channels"`
	Parameters CodecParameters `yaml:"parameters"`
}

type CodecParameters struct {
	XGoogleStartBitrate uint32 `yaml:"x_google_start_bitrate"`
	ProfileLevelID      string `yaml:"profile_level_id"`
	PacketizationMode   int    `yaml:"packetization_mode"`
}

type ListenIP struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announced_ip"`
}

type WebRtcTransport struct {
	ListenIPs                       []ListenIP `yaml:"listen_ips"`
	InitialAvailableOutgoingBitrate int        `yaml:"initial_available_outgoing_bitrate"`
	MinimumAvailableOutgoingBitrate int        `yaml:"minimum_available_outgoing_bitrate"`
	MaximumAvailableOutgoingBitrate int        `yaml:"maximum_available_outgoing_bitrate"`
	FactorIncomingBitrate           float64    `yaml:"factor_incoming_bitrate"`
	MaxSctpMessageSize              int        `yaml:"max_sctp_message_size"`
	MaxIncomingBitrate              int        `yaml:"max_incoming_bitrate"`
}

type API struct {
	ListenAddr   string `yaml:"listen_addr"`
	WSListenAddr string `yaml:"ws_listen_addr"`
	TLSCertFile  string `yaml:"tls_cert_file"`
	TLSKeyFile   string `yaml:"tls_key_file"`
}

// Default returns the config used when no file or key is provided.
// Codec and bitrate defaults follow the stock mediasoup demo values.
func Default() *Config {
	return &Config{
		WorkerPoolSize: runtime.NumCPU(),
		Worker: Worker{
			RtcMinPort: 40000,
			RtcMaxPort: 49999,
			LogLevel:   "warn",
			LogTags:    []string{"info", "ice", "dtls", "rtp", "srtp", "rtcp"},
		},
		Router: Router{
			MediaCodecs: []Codec{
				{
					Kind:      "audio",
					MimeType:  "audio/opus",
					ClockRate: 48000,
					Channels:  2,
				},
				{
					Kind:      "video",
					MimeType:  "video/VP8",
					ClockRate: 90000,
					Parameters: CodecParameters{
						XGoogleStartBitrate: 1000,
					},
				},
			},
		},
		WebRtcTransport: WebRtcTransport{
			ListenIPs:                       []ListenIP{{IP: "0.0.0.0"}},
			InitialAvailableOutgoingBitrate: 1000000,
			MinimumAvailableOutgoingBitrate: 600000,
			MaximumAvailableOutgoingBitrate: 3000000,
			FactorIncomingBitrate:           0.75,
			MaxSctpMessageSize:              262144,
		},
		API: API{
			ListenAddr:   ":8080",
			WSListenAddr: ":8888",
		},
	}
}

// Load reads a yaml config file on top of the defaults. Empty path
// returns the defaults as is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrRead, err)
	}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = runtime.NumCPU()
	}
	return cfg, nil
}

// MediaCodecCapabilities maps configured codecs onto mediasoup router options.
func (r Router) MediaCodecCapabilities() []*mediasoup.RtpCodecCapability {
	codecs := make([]*mediasoup.RtpCodecCapability, 0, len(r.MediaCodecs))
	for _, c := range r.MediaCodecs {
		params := mediasoup.RtpCodecSpecificParameters{
			XGoogleStartBitrate: c.Parameters.XGoogleStartBitrate,
		}
		params.ProfileLevelId = c.Parameters.ProfileLevelID
		params.PacketizationMode = c.Parameters.PacketizationMode
		codecs = append(codecs, &mediasoup.RtpCodecCapability{
			Kind:       mediasoup.MediaKind(c.Kind),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: params,
		})
	}
	return codecs
}

// TransportListenIps maps configured listen addresses onto mediasoup options.
func (t WebRtcTransport) TransportListenIps() []mediasoup.TransportListenIp {
	ips := make([]mediasoup.TransportListenIp, 0, len(t.ListenIPs))
	for _, l := range t.ListenIPs {
		ips = append(ips, mediasoup.TransportListenIp{
			Ip:          l.IP,
			AnnouncedIp: l.AnnouncedIP,
		})
	}
	return ips
}
