package websocket

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/dealbreaker/client/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000
	defaultWebSocketMaxMessageSize   = 1 << 16
	defaultWebSocketHandshakeTimeout = 3 * time.Second

	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultOutboundQueueSize = 64
	defaultSendTimeout       = time.Second
	defaultTeardownTimeout   = 3 * time.Second
)

var (
	ErrNotOpen     = errors.New("connection is not open")
	ErrClosed      = errors.New("connection closed")
	ErrSendTimeout = errors.New("outbound queue is full")
	ErrDial        = errors.New("unable to connect")
	ErrTransport   = errors.New("transport failure")
)

type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventMessage
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is a lifecycle notification of one connection instance.
type Event struct {
	Instance uint64
	Kind     EventKind
	Data     []byte
	Err      error
}

type (
	Config struct {
		Logger   *zerolog.Logger
		Endpoint string
		Dialer   *websocket.Dialer
		// Events receives every event of every instance. Stale instances are
		// filtered by Observe, not by the producer.
		Events chan<- Event

		PingInterval time.Duration
		PongWait     time.Duration
	}

	// Manager owns at most one live connection instance. It is driven from a
	// single goroutine: Connect, Observe, Send, Close and Reset must not be
	// called concurrently.
	Manager struct {
		logger   zerolog.Logger
		endpoint string
		dialer   *websocket.Dialer
		events   chan<- Event

		pingInterval time.Duration
		pongWait     time.Duration

		seq   uint64
		state model.ConnectionState
		cur   *instance
	}

	instance struct {
		id     uint64
		roomID string
		url    string
		ctx    context.Context
		cancel context.CancelFunc
		tx     chan []byte
		done   chan struct{}
		events chan<- Event
		logger zerolog.Logger
	}
)

func NewDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
	}
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:       cfg.Logger.With().Str("component", "connection").Logger(),
		endpoint:     cfg.Endpoint,
		dialer:       cfg.Dialer,
		events:       cfg.Events,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
	}
	if m.dialer == nil {
		m.dialer = NewDialer()
	}
	if m.pingInterval <= 0 {
		m.pingInterval = defaultPingInterval
	}
	if m.pongWait <= m.pingInterval {
		m.pongWait = m.pingInterval + (defaultPongWait - defaultPingInterval)
	}
	return m
}

// RoomURL addresses the room on the session authority: <endpoint>/<roomID>.
func RoomURL(endpoint, roomID string) string {
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(roomID)
}

func (m *Manager) State() model.ConnectionState {
	return m.state
}

// Instance returns the number of the current connection instance, 0 if none.
func (m *Manager) Instance() uint64 {
	if m.cur == nil {
		return 0
	}
	return m.cur.id
}

// Connect tears down the current instance and starts a new one for roomID.
func (m *Manager) Connect(roomID string) uint64 {
	m.teardown()

	m.seq++
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		id:     m.seq,
		roomID: roomID,
		url:    RoomURL(m.endpoint, roomID),
		ctx:    ctx,
		cancel: cancel,
		tx:     make(chan []byte, defaultOutboundQueueSize),
		done:   make(chan struct{}),
		events: m.events,
		logger: m.logger.With().
			Str("roomID", roomID).
			Uint64("instance", m.seq).
			Logger(),
	}
	m.cur = inst
	m.state = model.StateConnecting

	go inst.run(m.dialer, m.pingInterval, m.pongWait)

	inst.logger.Debug().Str("url", inst.url).Msg("connecting")
	return inst.id
}

// Observe applies the transition carried by ev and reports whether ev belongs
// to the current instance and should be acted upon.
func (m *Manager) Observe(ev Event) bool {
	if m.cur == nil || ev.Instance != m.cur.id {
		m.logger.Debug().
			Uint64("instance", ev.Instance).
			Stringer("kind", ev.Kind).
			Msg("stale connection event dropped")
		return false
	}
	switch ev.Kind {
	case EventOpened:
		if m.state == model.StateConnecting {
			m.state = model.StateOpen
			m.cur.logger.Info().Msg("connection open")
		}
		return m.state == model.StateOpen
	case EventMessage:
		return m.state == model.StateOpen
	case EventClosed, EventError:
		if m.state == model.StateClosed {
			return false
		}
		m.state = model.StateClosed
		m.cur.cancel()
		if ev.Kind == EventError {
			m.cur.logger.Error().Err(ev.Err).Msg("connection failed")
		} else {
			m.cur.logger.Warn().Err(ev.Err).Msg("connection closed")
		}
		return true
	}
	return false
}

// Send queues one frame for the current instance. It is a logged no-op
// returning ErrNotOpen unless the connection is open.
func (m *Manager) Send(data []byte) error {
	if m.cur == nil || m.state != model.StateOpen {
		m.logger.Debug().
			Stringer("state", m.state).
			Msg("send skipped, connection is not open")
		return ErrNotOpen
	}
	tCh := time.NewTimer(defaultSendTimeout)
	defer tCh.Stop()
	select {
	case m.cur.tx <- data:
		return nil
	case <-m.cur.ctx.Done():
		return ErrClosed
	case <-tCh.C:
		m.cur.logger.Error().Msg("outbound queue is stuck")
		return ErrSendTimeout
	}
}

// Close tears down the current instance, leaving the manager Closed.
func (m *Manager) Close() {
	if m.cur == nil {
		return
	}
	m.teardown()
	m.state = model.StateClosed
}

// Reset tears down the current instance and forgets it.
func (m *Manager) Reset() {
	m.teardown()
	m.cur = nil
	m.state = model.StateIdle
}

func (m *Manager) teardown() {
	if m.cur == nil {
		return
	}
	m.cur.cancel()
	tCh := time.NewTimer(defaultTeardownTimeout)
	defer tCh.Stop()
	select {
	case <-m.cur.done:
		m.cur.logger.Debug().Msg("connection released")
	case <-tCh.C:
		m.cur.logger.Error().Msg("connection did not shut down in time")
	}
}

func (inst *instance) emit(ev Event) {
	if inst.ctx.Err() != nil {
		return
	}
	ev.Instance = inst.id
	select {
	case inst.events <- ev:
	case <-inst.ctx.Done():
	}
}

func (inst *instance) run(dialer *websocket.Dialer, pingInterval, pongWait time.Duration) {
	defer close(inst.done)

	conn, _, err := dialer.DialContext(inst.ctx, inst.url, nil)
	if err != nil {
		inst.emit(Event{Kind: EventError, Err: errors.Join(ErrDial, err)})
		return
	}
	inst.emit(Event{Kind: EventOpened})

	var (
		senderDone   = make(chan struct{})
		receiverDone = make(chan struct{})
	)
	go func() {
		defer close(receiverDone)
		inst.emit(webSocketReceiver(inst.ctx, conn, pongWait, inst.emit, &inst.logger))
		inst.cancel()
	}()
	go func() {
		defer close(senderDone)
		if sErr := webSocketSender(inst.ctx, conn, pingInterval, inst.tx, &inst.logger); sErr != nil {
			inst.emit(Event{Kind: EventError, Err: errors.Join(ErrTransport, sErr)})
		}
		inst.cancel()
	}()

	<-inst.ctx.Done()
	<-senderDone
	webSocketCloser(conn, &inst.logger)
	<-receiverDone
}

func webSocketSender(
	ctx context.Context,
	conn *websocket.Conn,
	pingInterval time.Duration,
	tx <-chan []byte,
	logger *zerolog.Logger,
) error {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return err
			}
			logger.Trace().Msg("ping sent")
		case msg := <-tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				return err
			}
			wsW, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return err
			}
			if _, err = wsW.Write(msg); err != nil {
				return err
			}
			if err = wsW.Close(); err != nil {
				return err
			}
			logger.Trace().Int("size", len(msg)).Msg("frame sent")
		}
	}
}

// webSocketReceiver forwards inbound frames until the connection ends and
// returns the terminal event.
func webSocketReceiver(
	ctx context.Context,
	conn *websocket.Conn,
	pongWait time.Duration,
	emit func(Event),
	logger *zerolog.Logger,
) Event {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(pongWait)
	})
	if err := readDeadLineFunc(pongWait); err != nil {
		return Event{Kind: EventError, Err: errors.Join(ErrTransport, err)}
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Event{Kind: EventClosed, Err: ErrClosed}
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return Event{Kind: EventClosed, Err: errors.Join(ErrClosed, err)}
			}
			return Event{Kind: EventError, Err: errors.Join(ErrTransport, err)}
		}
		if msgType != websocket.TextMessage {
			logger.Debug().Int("frameType", msgType).Msg("non-text frame ignored")
			continue
		}
		emit(Event{Kind: EventMessage, Data: msg})
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
