package websocket

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// ProbeUsername is the identity announced by existence probes.
	ProbeUsername = "validation-checker"

	defaultProbeTimeout = 5 * time.Second
)

var ErrProbe = errors.New("room probe failed")

// ProbeRoom reports whether roomID exists on the session authority. It joins
// the room on a throwaway connection and inspects the first reply: an ERROR
// envelope means the room does not exist. A transport failure is returned
// together with false.
func ProbeRoom(
	ctx context.Context,
	dialer *websocket.Dialer,
	endpoint string,
	roomID string,
	logger *zerolog.Logger,
) (bool, error) {
	if dialer == nil {
		dialer = NewDialer()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	log := logger.With().Str("component", "probe").Str("roomID", roomID).Logger()

	conn, _, err := dialer.DialContext(ctx, RoomURL(endpoint, roomID), nil)
	if err != nil {
		return false, errors.Join(ErrProbe, ErrDial, err)
	}
	defer webSocketCloser(conn, &log)

	hello, err := codec.Encode(codec.MustEnvelope(codec.TypeUserJoined, codec.UserJoined{
		Username: ProbeUsername,
		Intent:   string(model.IntentJoin),
	}))
	if err != nil {
		return false, errors.Join(ErrProbe, err)
	}
	if err = conn.SetWriteDeadline(deadline); err != nil {
		return false, errors.Join(ErrProbe, err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return false, errors.Join(ErrProbe, ErrTransport, err)
	}

	if err = conn.SetReadDeadline(deadline); err != nil {
		return false, errors.Join(ErrProbe, err)
	}
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	for {
		msgType, msg, rErr := conn.ReadMessage()
		if rErr != nil {
			return false, errors.Join(ErrProbe, ErrTransport, rErr)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, dErr := codec.Decode(msg)
		if dErr != nil {
			log.Debug().Err(dErr).Msg("undecodable probe reply")
			return true, nil
		}
		exists := env.Type != codec.TypeError
		log.Debug().Str("reply", env.Type).Bool("exists", exists).Msg("room probed")
		return exists, nil
	}
}
