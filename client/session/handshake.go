// Package session announces the local user to a room once per connection.
package session

import (
	"errors"

	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
	"github.com/rs/zerolog"
)

var ErrHandshake = errors.New("handshake failed")

// Sender delivers one outbound envelope.
type Sender func(codec.Envelope) error

// Handshake sends USER_JOINED exactly once for one connection instance.
// After a successful send a create intent is demoted to join, so that
// returning to the same room address joins instead of recreating it.
type Handshake struct {
	identity model.RoomIdentity
	sent     bool
	logger   zerolog.Logger
}

func NewHandshake(identity model.RoomIdentity, logger *zerolog.Logger) *Handshake {
	return &Handshake{
		identity: identity,
		logger: logger.With().
			Str("component", "handshake").
			Str("roomID", identity.RoomID).
			Str("username", identity.Username).
			Logger(),
	}
}

// Identity is the externally visible identity, demoted after the handshake.
func (h *Handshake) Identity() model.RoomIdentity {
	return h.identity
}

func (h *Handshake) Sent() bool {
	return h.sent
}

// OnOpen runs the handshake. It reports whether USER_JOINED was sent by this
// call; repeated calls after a successful send do nothing.
func (h *Handshake) OnOpen(send Sender) (bool, error) {
	if h.sent {
		h.logger.Debug().Msg("repeated open notification ignored")
		return false, nil
	}
	env, err := codec.NewEnvelope(codec.TypeUserJoined, codec.UserJoined{
		Username: h.identity.Username,
		Intent:   string(h.identity.Intent),
	})
	if err != nil {
		return false, errors.Join(ErrHandshake, err)
	}
	if err = send(env); err != nil {
		return false, errors.Join(ErrHandshake, err)
	}
	h.sent = true

	if h.identity.Intent == model.IntentCreate {
		h.identity.Intent = model.IntentJoin
		h.logger.Debug().Msg("create intent demoted to join")
	}
	h.logger.Info().Msg("joined room")
	return true, nil
}
