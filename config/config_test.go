package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, runtime.NumCPU(), cfg.WorkerPoolSize)
	assert.Equal(t, uint16(40000), cfg.Worker.RtcMinPort)
	assert.Equal(t, uint16(49999), cfg.Worker.RtcMaxPort)
	assert.Len(t, cfg.Router.MediaCodecs, 2)
	assert.Equal(t, 3000000, cfg.WebRtcTransport.MaximumAvailableOutgoingBitrate)
	assert.InDelta(t, 0.75, cfg.WebRtcTransport.FactorIncomingBitrate, 0.001)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.ErrorIs(t, err, ErrRead)
}

func TestLoad_BadYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_pool_size: [nope"), 0600))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrParse)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_pool_size: 2
worker:
  rtc_min_port: 10000
  rtc_max_port: 10999
  log_level: debug
webrtc_transport:
  listen_ips:
    - ip: 0.0.0.0
      announced_ip: 203.0.113.7
  maximum_available_outgoing_bitrate: 5000000
api:
  ws_listen_addr: ":9999"
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.WorkerPoolSize)
	assert.Equal(t, uint16(10000), cfg.Worker.RtcMinPort)
	assert.Equal(t, "debug", cfg.Worker.LogLevel)
	assert.Equal(t, 5000000, cfg.WebRtcTransport.MaximumAvailableOutgoingBitrate)
	assert.Equal(t, ":9999", cfg.API.WSListenAddr)
	require.Len(t, cfg.WebRtcTransport.ListenIPs, 1)
	assert.Equal(t, "203.0.113.7", cfg.WebRtcTransport.ListenIPs[0].AnnouncedIP)

	// Untouched keys keep their defaults.
	assert.Len(t, cfg.Router.MediaCodecs, 2)
}

func TestLoad_ZeroPoolSizeFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_pool_size: 0\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, runtime.NumCPU(), cfg.WorkerPoolSize)
}

func TestMediaCodecCapabilities(t *testing.T) {
	codecs := Default().Router.MediaCodecCapabilities()
	require.Len(t, codecs, 2)

	assert.Equal(t, "audio/opus", codecs[0].MimeType)
	assert.Equal(t, 48000, codecs[0].ClockRate)
	assert.Equal(t, 2, codecs[0].Channels)

	assert.Equal(t, "video/VP8", codecs[1].MimeType)
	assert.Equal(t, uint32(1000), codecs[1].Parameters.XGoogleStartBitrate)
}

func TestTransportListenIps(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		ips := Default().WebRtcTransport.TransportListenIps()
		require.Len(t, ips, 1)
		assert.Equal(t, "0.0.0.0", ips[0].Ip)
		assert.Empty(t, ips[0].AnnouncedIp)
	})
	t.Run("announced", func(t *testing.T) {
		tcfg := WebRtcTransport{ListenIPs: []ListenIP{{IP: "10.0.0.1", AnnouncedIP: "203.0.113.7"}}}
		ips := tcfg.TransportListenIps()
		require.Len(t, ips, 1)
		assert.Equal(t, "203.0.113.7", ips[0].AnnouncedIp)
	})
}
