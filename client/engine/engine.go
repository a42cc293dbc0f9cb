// Package engine is the facade the rendering layer talks to. It owns one room
// visit at a time and reconciles everything the session authority sends into
// a single published snapshot.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
	"github.com/adwski/dealbreaker/client/room"
	"github.com/adwski/dealbreaker/client/session"
	"github.com/adwski/dealbreaker/client/storage/memory"
	ws "github.com/adwski/dealbreaker/client/transport/websocket"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
)

const (
	defaultInboxSize  = 16
	defaultEventsSize = 64
)

var (
	ErrStopped         = errors.New("engine is not running")
	ErrNotJoined       = errors.New("not in a room")
	ErrTerminated      = errors.New("room view was terminated by the session authority")
	ErrReservedIntent  = errors.New("USER_JOINED is sent by the handshake only")
	ErrInvalidIdentity = errors.New("invalid room identity")
)

type (
	// Publisher receives every snapshot the engine publishes.
	Publisher interface {
		Publish(ctx context.Context, snap model.Snapshot) int
	}

	Config struct {
		Logger    *zerolog.Logger
		Endpoint  string
		Dialer    *websocket.Dialer
		Publisher Publisher

		PingInterval time.Duration
		PongWait     time.Duration
	}

	Engine struct {
		logger   zerolog.Logger
		endpoint string
		dialer   *websocket.Dialer
		pub      Publisher

		inbox   chan inboxMsg
		events  chan ws.Event
		stopped chan struct{}

		// owned by the loop goroutine
		conn       *ws.Manager
		identity   *model.RoomIdentity
		handshake  *session.Handshake
		reconciler *room.Reconciler
		prompts    *memory.Registry
		messages   []model.LoggedMessage
		protoErr   string
		terminated bool
		joined     map[string]struct{}
		version    uint64

		mx   sync.RWMutex
		snap model.Snapshot
	}
)

func New(cfg Config) *Engine {
	e := &Engine{
		logger:   cfg.Logger.With().Str("component", "engine").Logger(),
		endpoint: cfg.Endpoint,
		dialer:   cfg.Dialer,
		pub:      cfg.Publisher,
		inbox:    make(chan inboxMsg, defaultInboxSize),
		events:   make(chan ws.Event, defaultEventsSize),
		stopped:  make(chan struct{}),
		joined:   make(map[string]struct{}),
	}
	if e.dialer == nil {
		e.dialer = ws.NewDialer()
	}
	e.conn = ws.NewManager(ws.Config{
		Logger:       cfg.Logger,
		Endpoint:     cfg.Endpoint,
		Dialer:       e.dialer,
		Events:       e.events,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
	})
	e.snap = e.buildSnapshot()
	return e
}

// Run processes commands and transport events until ctx is done. The
// connection is released on return.
func (e *Engine) Run(ctx context.Context) {
	defer func() {
		e.conn.Reset()
		close(e.stopped)
		e.logger.Debug().Msg("engine stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-e.inbox:
			switch msg := m.(type) {
			case joinRoom:
				msg.reply <- e.join(ctx, msg.identity)
			case leaveRoom:
				e.leave(ctx)
				msg.reply <- nil
			case submitIntent:
				msg.reply <- e.submit(ctx, msg.env)
			}
		case ev := <-e.events:
			e.handleTransport(ctx, ev)
		}
	}
}

// Snapshot returns the most recently published snapshot.
func (e *Engine) Snapshot() model.Snapshot {
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.snap
}

// Join starts a room visit. Joining the room already being visited while its
// connection is alive is a no-op; any other identity replaces the current
// visit.
func (e *Engine) Join(ctx context.Context, identity model.RoomIdentity) error {
	if err := identity.Validate(); err != nil {
		return errors.Join(ErrInvalidIdentity, err)
	}
	reply := make(chan error, 1)
	return e.call(ctx, joinRoom{identity: identity, reply: reply}, reply)
}

// Leave ends the current room visit and discards its state.
func (e *Engine) Leave(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.call(ctx, leaveRoom{reply: reply}, reply)
}

// SubmitIntent sends an outbound envelope for the current room. The username
// member is filled from the room identity when absent. Locally invalid intents
// (no prompt text, deleting an unknown prompt) are absorbed and return nil, as
// are intents submitted while the connection is not open. A delete of a known
// prompt removes it locally whether or not the send went out.
func (e *Engine) SubmitIntent(ctx context.Context, env codec.Envelope) error {
	reply := make(chan error, 1)
	return e.call(ctx, submitIntent{env: env, reply: reply}, reply)
}

func (e *Engine) SubmitPrompts(ctx context.Context, prompts ...string) error {
	return e.SubmitIntent(ctx, codec.MustEnvelope(codec.TypeNewPrompts, codec.NewPrompts{Prompts: prompts}))
}

func (e *Engine) DeletePrompt(ctx context.Context, promptID string) error {
	return e.SubmitIntent(ctx, codec.MustEnvelope(codec.TypeDeletePrompt, codec.DeletePrompt{PromptID: promptID}))
}

func (e *Engine) Ready(ctx context.Context) error {
	return e.SubmitIntent(ctx, codec.Envelope{Type: codec.TypePlayerReady})
}

func (e *Engine) DrawPrompt(ctx context.Context) error {
	return e.SubmitIntent(ctx, codec.Envelope{Type: codec.TypeDrawPrompt})
}

func (e *Engine) NextTurn(ctx context.Context) error {
	return e.SubmitIntent(ctx, codec.Envelope{Type: codec.TypeNextTurn})
}

// ProbeRoom reports whether roomID exists. It uses its own short-lived
// connection and does not touch the current visit.
func (e *Engine) ProbeRoom(ctx context.Context, roomID string) (bool, error) {
	return ws.ProbeRoom(ctx, e.dialer, e.endpoint, roomID, &e.logger)
}

// NewRoomID returns an id for a room to be created.
func (e *Engine) NewRoomID() string {
	return model.NewRoomID(time.Now())
}

func (e *Engine) call(ctx context.Context, msg inboxMsg, reply <-chan error) error {
	select {
	case e.inbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) join(ctx context.Context, identity model.RoomIdentity) error {
	if cur := e.identity; cur != nil &&
		cur.RoomID == identity.RoomID &&
		cur.Username == identity.Username &&
		!e.terminated {
		if st := e.conn.State(); st == model.StateConnecting || st == model.StateOpen {
			e.logger.Debug().Str("roomID", identity.RoomID).Msg("already in room")
			return nil
		}
	}
	if _, ok := e.joined[identity.RoomID]; ok && identity.Intent == model.IntentCreate {
		identity.Intent = model.IntentJoin
	}

	e.conn.Reset()
	e.discard()
	e.identity = &identity
	e.handshake = session.NewHandshake(identity, &e.logger)
	e.reconciler = room.NewReconciler()
	e.prompts = memory.NewRegistry(identity.Username, &e.logger)
	e.conn.Connect(identity.RoomID)

	e.logger.Info().
		Str("roomID", identity.RoomID).
		Str("username", identity.Username).
		Str("intent", string(identity.Intent)).
		Msg("entering room")
	e.publish(ctx)
	return nil
}

func (e *Engine) leave(ctx context.Context) {
	if e.identity == nil {
		return
	}
	e.logger.Info().Str("roomID", e.identity.RoomID).Msg("leaving room")
	e.conn.Reset()
	e.discard()
	e.publish(ctx)
}

func (e *Engine) discard() {
	e.identity = nil
	e.handshake = nil
	e.reconciler = nil
	e.prompts = nil
	e.messages = nil
	e.protoErr = ""
	e.terminated = false
}

func (e *Engine) handleTransport(ctx context.Context, ev ws.Event) {
	if !e.conn.Observe(ev) {
		return
	}
	switch ev.Kind {
	case ws.EventOpened:
		sent, err := e.handshake.OnOpen(e.send)
		if err != nil {
			e.logger.Error().Err(err).Msg("handshake failed")
		}
		if sent {
			id := e.handshake.Identity()
			e.identity = &id
			e.joined[id.RoomID] = struct{}{}
		}
	case ws.EventMessage:
		if !e.handleFrame(ev.Data) {
			return
		}
	}
	e.publish(ctx)
}

// handleFrame folds one inbound frame and reports whether state changed.
func (e *Engine) handleFrame(data []byte) bool {
	if e.terminated {
		e.logger.Debug().Msg("message after termination ignored")
		return false
	}
	env, err := codec.Decode(data)
	if err != nil {
		e.logger.Warn().Err(err).Int("size", len(data)).Msg("malformed message dropped")
		return false
	}

	switch {
	case room.Handles(env.Type):
		err = e.reconciler.Apply(env)
	case memory.Handles(env.Type):
		_, err = e.prompts.Apply(env)
	default:
		e.logger.Debug().Str("type", env.Type).Msg("unhandled message type")
	}

	var protoErr *room.ProtocolError
	switch {
	case errors.As(err, &protoErr):
		e.logMessage(env)
		e.terminate(protoErr)
	case err != nil:
		e.logger.Warn().Err(err).Str("type", env.Type).Msg("malformed message dropped")
		return false
	default:
		e.logMessage(env)
	}
	return true
}

func (e *Engine) logMessage(env codec.Envelope) {
	e.messages = append(e.messages, model.LoggedMessage{Type: env.Type, Raw: string(env.Payload)})
}

func (e *Engine) terminate(pe *room.ProtocolError) {
	e.protoErr = pe.Message
	e.terminated = true
	e.conn.Close()
	e.logger.Warn().Err(pe).Msg("room view terminated")
}

func (e *Engine) submit(ctx context.Context, env codec.Envelope) error {
	if e.identity == nil {
		return ErrNotJoined
	}
	if e.terminated {
		return ErrTerminated
	}

	var deleteID string
	switch env.Type {
	case codec.TypeUserJoined:
		return ErrReservedIntent

	case codec.TypeNewPrompts:
		var m codec.NewPrompts
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		texts := make([]string, 0, len(m.Prompts))
		for _, p := range m.Prompts {
			if p = strings.TrimSpace(p); p != "" {
				texts = append(texts, p)
			}
		}
		if len(texts) == 0 {
			e.logger.Debug().Msg("empty prompt submission ignored")
			return nil
		}
		m.Prompts = texts
		env = codec.MustEnvelope(codec.TypeNewPrompts, m)

	case codec.TypeDeletePrompt:
		var m codec.DeletePrompt
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		if !e.prompts.Has(m.PromptID) {
			e.logger.Debug().Str("promptID", m.PromptID).Msg("delete of unknown prompt ignored")
			return nil
		}
		deleteID = m.PromptID
	}

	if !env.Field("username").Exists() || env.Field("username").String() == "" {
		payload := []byte(env.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		b, err := sjson.SetBytes(payload, "username", e.identity.Username)
		if err != nil {
			return err
		}
		env.Payload = b
	}

	err := e.send(env)
	if errors.Is(err, ws.ErrNotOpen) {
		err = nil
	}
	if deleteID != "" && e.prompts.Remove(deleteID) {
		e.publish(ctx)
	}
	return err
}

func (e *Engine) send(env codec.Envelope) error {
	b, err := codec.Encode(env)
	if err != nil {
		return err
	}
	return e.conn.Send(b)
}

func (e *Engine) publish(ctx context.Context) {
	e.version++
	snap := e.buildSnapshot()

	e.mx.Lock()
	e.snap = snap
	e.mx.Unlock()

	if e.pub != nil {
		e.pub.Publish(ctx, snap)
	}
}

func (e *Engine) buildSnapshot() model.Snapshot {
	snap := model.Snapshot{
		Version:    e.version,
		Connection: e.conn.State(),
		Room:       model.RoomSnapshot{Players: []string{}},
		Prompts:    model.PromptViews{All: []model.Prompt{}, Mine: []model.Prompt{}},
		Messages:   append([]model.LoggedMessage{}, e.messages...),
	}
	if e.identity != nil {
		id := *e.identity
		snap.Identity = &id
		snap.Address = id.Address()
	}
	if e.reconciler != nil {
		snap.Room = e.reconciler.Snapshot()
	}
	if e.prompts != nil {
		snap.Prompts = e.prompts.Views()
	}
	if e.protoErr != "" {
		snap.Error = e.protoErr
		snap.NavigateAway = true
	}
	return snap
}
