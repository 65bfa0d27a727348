package _switch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adwski/sfu-signaling/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func recv(t *testing.T, tx <-chan model.Outbound) model.Outbound {
	t.Helper()
	select {
	case msg := <-tx:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return model.Outbound{}
}

func TestBroadcast_SkipsSender(t *testing.T) {
	sw := testSwitch()
	alice, bob := model.NewWire(), model.NewWire()
	sw.Join("r1", "alice", alice)
	sw.Join("r1", "bob", bob)

	sw.Broadcast("r1", "alice", "ev", map[string]any{"x": 1})

	msg := recv(t, bob.TX)
	assert.Equal(t, "ev", msg.Event)
	select {
	case <-alice.TX:
		t.Fatal("sender must not receive its own broadcast")
	default:
	}
}

func TestBroadcastAll_IncludesSender(t *testing.T) {
	sw := testSwitch()
	alice, bob := model.NewWire(), model.NewWire()
	sw.Join("r1", "alice", alice)
	sw.Join("r1", "bob", bob)

	sw.BroadcastAll("r1", "ev", nil)

	assert.Equal(t, "ev", recv(t, alice.TX).Event)
	assert.Equal(t, "ev", recv(t, bob.TX).Event)
}

func TestBroadcast_IsScopedToSession(t *testing.T) {
	sw := testSwitch()
	alice, eve := model.NewWire(), model.NewWire()
	sw.Join("r1", "alice", alice)
	sw.Join("r2", "eve", eve)

	sw.BroadcastAll("r1", "ev", nil)

	assert.Equal(t, "ev", recv(t, alice.TX).Event)
	select {
	case <-eve.TX:
		t.Fatal("other session must not receive fan-out")
	default:
	}
}

func TestNotify(t *testing.T) {
	sw := testSwitch()
	alice := model.NewWire()
	sw.Join("r1", "alice", alice)

	require.True(t, sw.Notify("r1", "alice", "ev", nil))
	assert.Equal(t, "ev", recv(t, alice.TX).Event)

	assert.False(t, sw.Notify("r1", "ghost", "ev", nil))
}

func TestLeave(t *testing.T) {
	sw := testSwitch()
	alice := model.NewWire()
	sw.Join("r1", "alice", alice)
	sw.Leave("r1", "alice")

	assert.False(t, sw.Notify("r1", "alice", "ev", nil))

	// leaving twice is harmless
	sw.Leave("r1", "alice")
}

func TestRequest_UnknownDst(t *testing.T) {
	sw := testSwitch()
	_, err := sw.Request(context.Background(), "r1", "ghost", "newConsumer", nil)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestRequest_Acked(t *testing.T) {
	sw := testSwitch()
	alice := model.NewWire()
	sw.Join("r1", "alice", alice)

	go func() {
		msg := <-alice.TX
		sw.HandleAck(msg.ID, json.RawMessage(`{"ok":true}`))
	}()

	ack, err := sw.Request(context.Background(), "r1", "alice", "newConsumer", map[string]any{"id": "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(ack))
}

func TestRequest_Canceled(t *testing.T) {
	sw := testSwitch()
	alice := model.NewWire()
	sw.Join("r1", "alice", alice)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-alice.TX // swallow the request, never ack
		cancel()
	}()

	_, err := sw.Request(ctx, "r1", "alice", "newConsumer", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHandleAck_WithoutPendingRequest(t *testing.T) {
	sw := testSwitch()
	sw.HandleAck("nope", nil) // must not panic
}
