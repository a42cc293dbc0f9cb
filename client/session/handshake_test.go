package session

import (
	"errors"
	"testing"

	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	sent []codec.Envelope
	err  error
}

func (r *recorder) send(env codec.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

func TestHandshakeSendsOnceAndDemotes(t *testing.T) {
	logger := zerolog.Nop()
	h := NewHandshake(model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate}, &logger)
	rec := &recorder{}

	for i := 0; i < 3; i++ {
		sent, err := h.OnOpen(rec.send)
		require.NoError(t, err)
		assert.Equal(t, i == 0, sent)
	}

	require.Len(t, rec.sent, 1)
	assert.Equal(t, codec.TypeUserJoined, rec.sent[0].Type)
	var p codec.UserJoined
	require.NoError(t, rec.sent[0].Unmarshal(&p))
	assert.Equal(t, codec.UserJoined{Username: "alice", Intent: "create"}, p)

	assert.True(t, h.Sent())
	assert.Equal(t, model.IntentJoin, h.Identity().Intent)
}

func TestHandshakeJoinStaysJoin(t *testing.T) {
	logger := zerolog.Nop()
	h := NewHandshake(model.RoomIdentity{RoomID: "R1", Username: "bob", Intent: model.IntentJoin}, &logger)
	rec := &recorder{}

	_, err := h.OnOpen(rec.send)
	require.NoError(t, err)
	assert.Equal(t, model.IntentJoin, h.Identity().Intent)
}

func TestHandshakeFailedSendKeepsIntent(t *testing.T) {
	logger := zerolog.Nop()
	h := NewHandshake(model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate}, &logger)
	rec := &recorder{err: errors.New("not open")}

	sent, err := h.OnOpen(rec.send)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.False(t, sent)
	assert.False(t, h.Sent())
	assert.Equal(t, model.IntentCreate, h.Identity().Intent)

	rec.err = nil
	sent, err = h.OnOpen(rec.send)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, model.IntentJoin, h.Identity().Intent)
}
