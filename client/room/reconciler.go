// Package room folds room, readiness and turn events into a RoomSnapshot.
package room

import (
	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
)

// ProtocolError is an ERROR envelope sent by the session authority.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "session authority error: " + e.Message
}

// Reconciler holds the room snapshot for one room visit.
type Reconciler struct {
	snap model.RoomSnapshot
}

func NewReconciler() *Reconciler {
	return &Reconciler{snap: model.RoomSnapshot{Players: []string{}}}
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() model.RoomSnapshot {
	return r.snap.Clone()
}

// Handles reports whether envelopes of typ are folded by the reconciler.
func Handles(typ string) bool {
	switch typ {
	case codec.TypeRoomState,
		codec.TypePlayerReady,
		codec.TypeAllReady,
		codec.TypeTurnChanged,
		codec.TypePromptDrawn,
		codec.TypeNoPromptsLeft,
		codec.TypeError:
		return true
	}
	return false
}

// Apply folds env into the snapshot. A payload that does not match its schema
// yields a *codec.DecodeError and leaves the snapshot untouched. An ERROR
// envelope yields a *ProtocolError.
func (r *Reconciler) Apply(env codec.Envelope) error {
	switch env.Type {
	case codec.TypeRoomState:
		var m codec.RoomState
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		r.snap.Players = append([]string{}, m.Players...)
		r.snap.CurrentTurn = m.CurrentTurn

	case codec.TypePlayerReady:
		var m codec.PlayerReady
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		total := max(m.TotalPlayers, 0)
		r.snap.TotalPlayers = total
		r.snap.ReadyCount = min(max(m.ReadyCount, 0), total)

	case codec.TypeAllReady:
		var m codec.AllReady
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		r.snap.AllReady = true
		if m.DrawPileSize != nil {
			r.snap.DrawPileSize = max(*m.DrawPileSize, 0)
			r.snap.DrawPileEmpty = r.snap.DrawPileSize == 0
		}

	case codec.TypeTurnChanged:
		var m codec.TurnChanged
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		r.snap.CurrentTurn = m.CurrentTurn

	case codec.TypePromptDrawn:
		var m codec.PromptDrawn
		if err := env.Unmarshal(&m); err != nil {
			return err
		}
		r.snap.LastDrawn = &m.Prompt
		if r.snap.DrawPileSize > 0 {
			r.snap.DrawPileSize--
		}

	case codec.TypeNoPromptsLeft:
		r.snap.DrawPileSize = 0
		r.snap.DrawPileEmpty = true

	case codec.TypeError:
		var m codec.Error
		if err := env.Unmarshal(&m); err != nil {
			return &ProtocolError{Message: "unreadable error from session authority"}
		}
		return &ProtocolError{Message: m.Message}
	}
	return nil
}
