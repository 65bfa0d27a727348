package websocket

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/adwski/sfu-signaling/model"
	"github.com/adwski/sfu-signaling/room"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	initErr   error
	existed   bool
	added     []string
	joined    []string
	removed   []string
	media     []model.MsMessage
	mediaRes  any
	mediaErr  error
	toggled   []string
	reconfigd []string
}

func (s *stubService) InitSession(string) (bool, error) {
	return s.existed, s.initErr
}

func (s *stubService) AddClient(q model.Query, _ model.Wire) error {
	s.added = append(s.added, q.UserID)
	return nil
}

func (s *stubService) JoinRoom(q model.Query, _ mediasoup.RtpCapabilities, _ model.ProducerCapabilities) (model.JoinResult, error) {
	if len(s.added) == 0 {
		return model.JoinResult{}, room.ErrParticipantNotFound
	}
	s.joined = append(s.joined, q.UserID)
	return model.JoinResult{UserID: q.UserID}, nil
}

func (s *stubService) RemoveClient(_, userID string) {
	s.removed = append(s.removed, userID)
}

func (s *stubService) Media(_, _ string, msg model.MsMessage) (any, error) {
	s.media = append(s.media, msg)
	return s.mediaRes, s.mediaErr
}

func (s *stubService) ToggleDevice(_, _, action, _ string) error {
	s.toggled = append(s.toggled, action)
	return nil
}

func (s *stubService) RoomClients(string) ([]model.ClientStats, error) {
	return []model.ClientStats{{ID: "alice"}}, nil
}

func (s *stubService) RoomInfo(sessionID string) (model.RoomStats, error) {
	return model.RoomStats{ID: sessionID}, nil
}

func (s *stubService) ReConfigure(sessionID string) error {
	s.reconfigd = append(s.reconfigd, sessionID)
	return nil
}

func testServer(svc RoomService) *Server {
	logger := zerolog.Nop()
	return &Server{svc: svc, logger: logger}
}

func testQuery() model.Query {
	return model.Query{
		UserID:    "alice",
		SessionID: "r1",
		Device:    "web",
		Kind:      model.TransportKindProducer,
	}
}

func TestParseQuery(t *testing.T) {
	r := httptest.NewRequest("GET",
		"/signal?userId=alice&sessionId=r1&device=web&kind=producer", nil)
	q, ok := parseQuery(r)
	require.True(t, ok)
	assert.Equal(t, testQuery(), q)
}

func TestParseQuery_MissingFields(t *testing.T) {
	for _, uri := range []string{
		"/signal",
		"/signal?userId=alice&sessionId=r1&device=web",
		"/signal?userId=alice&sessionId=r1&device=web&kind=banana",
		"/signal?sessionId=r1&device=web&kind=producer",
	} {
		r := httptest.NewRequest("GET", uri, nil)
		_, ok := parseQuery(r)
		assert.False(t, ok, uri)
	}
}

func TestHandleEvent_Ping(t *testing.T) {
	srv := testServer(&stubService{})
	res, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{Event: model.EventPing})
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestHandleEvent_JoinBeforeAdd(t *testing.T) {
	srv := testServer(&stubService{})
	_, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{
		Event: model.EventJoinRoom,
		Data:  json.RawMessage(`{"kind":"producer","rtpCapabilities":{}}`),
	})
	require.ErrorIs(t, err, room.ErrParticipantNotFound)
}

func TestHandleEvent_AddThenJoin(t *testing.T) {
	stub := &stubService{}
	srv := testServer(stub)
	q := testQuery()

	_, err := srv.handleEvent(q, model.NewWire(), model.Inbound{
		Event: model.EventAddClient,
		Data:  json.RawMessage(`{"kind":"producer"}`),
	})
	require.NoError(t, err)

	res, err := srv.handleEvent(q, model.NewWire(), model.Inbound{
		Event: model.EventJoinRoom,
		Data:  json.RawMessage(`{"kind":"producer","rtpCapabilities":{},"producerCapabilities":{}}`),
	})
	require.NoError(t, err)

	join, ok := res.(model.JoinResult)
	require.True(t, ok)
	assert.Equal(t, "alice", join.UserID)
	assert.Equal(t, []string{"alice"}, stub.added)
	assert.Equal(t, []string{"alice"}, stub.joined)
}

func TestHandleEvent_MediaWrapsAction(t *testing.T) {
	stub := &stubService{mediaRes: map[string]any{"id": "p1"}}
	srv := testServer(stub)

	res, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{
		Event: model.EventMedia,
		Data:  json.RawMessage(`{"action":"produce","data":{"kind":"audio"}}`),
	})
	require.NoError(t, err)

	wrapped, ok := res.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "produce", wrapped["action"])
	require.Len(t, stub.media, 1)
	assert.Equal(t, "produce", stub.media[0].Action)
}

func TestHandleEvent_MediaError(t *testing.T) {
	stub := &stubService{mediaErr: room.ErrUnknownAction}
	srv := testServer(stub)

	_, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{
		Event: model.EventMedia,
		Data:  json.RawMessage(`{"action":"fooBar"}`),
	})
	require.ErrorIs(t, err, room.ErrUnknownAction)
}

func TestHandleEvent_ToggleDevice(t *testing.T) {
	stub := &stubService{}
	srv := testServer(stub)

	res, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{
		Event: model.EventToggleDevice,
		Data:  json.RawMessage(`{"action":"disable","kind":"video"}`),
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, []string{"disable"}, stub.toggled)
}

func TestHandleEvent_Reconfigure(t *testing.T) {
	stub := &stubService{}
	srv := testServer(stub)

	_, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{Event: model.EventReconfigure})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, stub.reconfigd)
}

func TestHandleEvent_Unknown(t *testing.T) {
	srv := testServer(&stubService{})
	_, err := srv.handleEvent(testQuery(), model.NewWire(), model.Inbound{Event: "banana"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, room.ErrUnknownAction))
}
