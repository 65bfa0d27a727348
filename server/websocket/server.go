package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/sfu-signaling/model"
	"github.com/gorilla/websocket"
	"github.com/jiyeyuran/mediasoup-go"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 65536
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	// RoomService is the room-level surface the gateway is allowed to
	// touch; it never reaches producers or consumers directly.
	RoomService interface {
		InitSession(sessionID string) (bool, error)
		AddClient(q model.Query, wire model.Wire) error
		JoinRoom(q model.Query, rtpCapabilities mediasoup.RtpCapabilities, caps model.ProducerCapabilities) (model.JoinResult, error)
		RemoveClient(sessionID, userID string)
		Media(sessionID, userID string, msg model.MsMessage) (any, error)
		ToggleDevice(sessionID, sender, action, kind string) error
		RoomClients(sessionID string) ([]model.ClientStats, error)
		RoomInfo(sessionID string) (model.RoomStats, error)
		ReConfigure(sessionID string) error
	}

	// AckRouter receives acks for server-initiated requests.
	AckRouter interface {
		HandleAck(id string, data json.RawMessage)
	}

	Config struct {
		Logger      *zerolog.Logger
		RoomService RoomService
		AckRouter   AckRouter
		ListenAddr  string
		TLSCertFile string
		TLSKeyFile  string
	}

	Server struct {
		svc  RoomService
		acks AckRouter
		ws   *websocket.Upgrader
		*http.Server

		tlsCertFile string
		tlsKeyFile  string
		logger      zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.RoomService,
		acks:   cfg.AckRouter,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		tlsCertFile: cfg.TLSCertFile,
		tlsKeyFile:  cfg.TLSKeyFile,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
			errSrv <- srv.ListenAndServeTLS(srv.tlsCertFile, srv.tlsKeyFile)
		} else {
			errSrv <- srv.ListenAndServe()
		}
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// parseQuery validates the handshake query. All fields are required.
func parseQuery(r *http.Request) (model.Query, bool) {
	q := model.Query{
		UserID:    r.URL.Query().Get("userId"),
		SessionID: r.URL.Query().Get("sessionId"),
		Device:    r.URL.Query().Get("device"),
		Kind:      r.URL.Query().Get("kind"),
	}
	if q.UserID == "" || q.SessionID == "" || q.Device == "" {
		return q, false
	}
	if q.Kind != model.TransportKindProducer && q.Kind != model.TransportKindConsumer {
		return q, false
	}
	return q, true
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQuery(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	existed, err := srv.svc.InitSession(q.SessionID)
	if err != nil {
		srv.logger.Error().Err(err).
			Str("sessionID", q.SessionID).
			Msg("failed to init session")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	wire := model.NewWire()
	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context

	srv.logger.Debug().
		Str("sessionID", q.SessionID).
		Str("userID", q.UserID).
		Bool("roomExisted", existed).
		Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, q, wire, existed)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	q model.Query,
	wire model.Wire,
	roomExisted bool,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("sessionID", q.SessionID).
		Str("userID", q.UserID).
		Logger()

	wg.Add(3)
	go func() {
		webSocketReceiver(ctx, wg, conn, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()
	go func() {
		srv.dispatch(ctx, wg, q, wire)
		cancel()
	}()

	// Room existence goes out first thing after connect.
	select {
	case wire.TX <- model.Outbound{Event: model.EventHandshake, Data: map[string]any{"roomExists": roomExisted}}:
	case <-ctx.Done():
	}

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.svc.RemoveClient(q.SessionID, q.UserID)
	logger.Debug().Msg("signaling session ended")
}

// dispatch routes inbound envelopes to room-level operations and writes
// responses back on the wire. Handler errors are reported on the request
// channel and never close the socket.
func (srv *Server) dispatch(ctx context.Context, wg *sync.WaitGroup, q model.Query, wire model.Wire) {
	defer wg.Done()

	logger := srv.logger.With().
		Str("sessionID", q.SessionID).
		Str("userID", q.UserID).
		Logger()

DispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break DispatchLoop
		case env, ok := <-wire.RX:
			if !ok {
				break DispatchLoop
			}
			if env.Event == model.EventAck {
				srv.acks.HandleAck(env.ID, env.Data)
				continue
			}
			data, err := srv.handleEvent(q, wire, env)
			out := model.Outbound{ID: env.ID, Event: env.Event, Data: data}
			if err != nil {
				logger.Warn().Err(err).Str("event", env.Event).Msg("event handler failed")
				out.Data = nil
				out.Error = err.Error()
			}
			if env.ID == "" && err == nil && data == nil {
				// Fire-and-forget event with nothing to report.
				continue
			}
			select {
			case wire.TX <- out:
			case <-ctx.Done():
				break DispatchLoop
			}
		}
	}
}

type joinPayload struct {
	Kind                 string                     `json:"kind"`
	RtpCapabilities      mediasoup.RtpCapabilities  `json:"rtpCapabilities"`
	ProducerCapabilities model.ProducerCapabilities `json:"producerCapabilities"`
}

type togglePayload struct {
	Action string `json:"action"`
	Kind   string `json:"kind"`
}

func (srv *Server) handleEvent(q model.Query, wire model.Wire, env model.Inbound) (any, error) {
	switch env.Event {
	case model.EventPing:
		return map[string]any{"event": model.EventPong}, nil

	case model.EventHandshake:
		existed, err := srv.svc.InitSession(q.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"roomExists": existed}, nil

	case model.EventAddClient:
		if err := srv.svc.AddClient(q, wire); err != nil {
			return nil, err
		}
		return map[string]any{"added": true}, nil

	case model.EventJoinRoom:
		var payload joinPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		if payload.Kind != "" {
			q.Kind = payload.Kind
		}
		return srv.svc.JoinRoom(q, payload.RtpCapabilities, payload.ProducerCapabilities)

	case model.EventMedia:
		var msg model.MsMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, err
		}
		result, err := srv.svc.Media(q.SessionID, q.UserID, msg)
		if err != nil {
			return nil, err
		}
		return map[string]any{"action": msg.Action, "data": result}, nil

	case model.EventToggleDevice:
		var payload togglePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, err
		}
		return nil, srv.svc.ToggleDevice(q.SessionID, q.UserID, payload.Action, payload.Kind)

	case model.EventRoomClients:
		return srv.svc.RoomClients(q.SessionID)

	case model.EventRoomInfo:
		return srv.svc.RoomInfo(q.SessionID)

	case model.EventReconfigure:
		if err := srv.svc.ReConfigure(q.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"reconfigured": true}, nil
	}
	return nil, errors.New("unknown event: " + env.Event)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Outbound,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing message")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- model.Inbound,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var env model.Inbound
			if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
			} else {
				select {
				case rx <- env:
				case <-ctx.Done():
					break RecvLoop
				}
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
