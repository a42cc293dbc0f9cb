package engine

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
	"github.com/adwski/dealbreaker/client/room"
	"github.com/adwski/dealbreaker/client/storage/memory"
	sw "github.com/adwski/dealbreaker/client/switch"
	"github.com/adwski/dealbreaker/client/testkit/authority"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func startEngine(t *testing.T, pub Publisher) (*Engine, *authority.Authority) {
	t.Helper()
	logger := zerolog.Nop()
	auth := authority.New(&logger)
	t.Cleanup(auth.Close)

	e := New(Config{
		Logger:    &logger,
		Endpoint:  auth.Endpoint(),
		Publisher: pub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-e.stopped
	})
	return e, auth
}

func eventually(t *testing.T, e *Engine, msg string, cond func(model.Snapshot) bool) model.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(e.Snapshot()) }, waitFor, 5*time.Millisecond, msg)
	return e.Snapshot()
}

func countType(types []string, typ string) int {
	var n int
	for _, tp := range types {
		if tp == typ {
			n++
		}
	}
	return n
}

func joinAndWait(t *testing.T, e *Engine, id model.RoomIdentity) model.Snapshot {
	t.Helper()
	require.NoError(t, e.Join(context.Background(), id))
	return eventually(t, e, "room state after join", func(s model.Snapshot) bool {
		return s.Connected() && len(s.Room.Players) > 0
	})
}

func TestCreateReceiveDeleteScenario(t *testing.T) {
	e, auth := startEngine(t, nil)

	snap := joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})
	assert.Equal(t, []string{"alice"}, snap.Room.Players)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, model.IntentJoin, snap.Identity.Intent)
	assert.Equal(t, "/session/R1?intent=join&username=alice", snap.Address)
	assert.Equal(t, 1, countType(auth.ReceivedTypes("R1"), codec.TypeUserJoined))

	auth.Push("R1", `{"type":"PROMPT_RECEIVED","prompt":{"id":"p1","text":"hi","from":"alice"}}`)
	snap = eventually(t, e, "prompt received", func(s model.Snapshot) bool { return len(s.Prompts.All) == 1 })
	want := []model.Prompt{{ID: "p1", Text: "hi", From: "alice"}}
	assert.Equal(t, want, snap.Prompts.All)
	assert.Equal(t, want, snap.Prompts.Mine)

	auth.Push("R1", `{"type":"PROMPT_DELETED","promptId":"p1"}`)
	snap = eventually(t, e, "prompt deleted", func(s model.Snapshot) bool { return len(s.Prompts.All) == 0 })
	assert.Empty(t, snap.Prompts.Mine)
}

func TestErrorAbandonsRoom(t *testing.T) {
	e, auth := startEngine(t, nil)

	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})

	auth.Push("R1", `{"type":"ERROR","message":"room full"}`)
	auth.Push("R1", `{"type":"ROOM_STATE","players":["mallory"],"currentTurn":"mallory"}`)

	snap := eventually(t, e, "error surfaced", func(s model.Snapshot) bool { return s.Error != "" })
	assert.Equal(t, "room full", snap.Error)
	assert.True(t, snap.NavigateAway)
	assert.Equal(t, model.StateClosed, snap.Connection)

	time.Sleep(50 * time.Millisecond)
	snap = e.Snapshot()
	assert.Equal(t, []string{"alice"}, snap.Room.Players)
	assert.ErrorIs(t, e.Ready(context.Background()), ErrTerminated)
}

func TestJoinMissingRoomSurfacesError(t *testing.T) {
	e, _ := startEngine(t, nil)

	require.NoError(t, e.Join(context.Background(), model.RoomIdentity{RoomID: "nope", Username: "bob", Intent: model.IntentJoin}))
	snap := eventually(t, e, "error surfaced", func(s model.Snapshot) bool { return s.Error != "" })
	assert.Equal(t, "Room 'nope' does not exist.", snap.Error)
	assert.True(t, snap.NavigateAway)
}

func TestMalformedInputIsDropped(t *testing.T) {
	e, auth := startEngine(t, nil)

	before := joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})

	auth.Push("R1", `{"type":`)
	auth.Push("R1", `["ROOM_STATE"]`)
	auth.Push("R1", `{"type":"ROOM_STATE","players":"alice"}`)
	auth.Push("R1", `{"type":"PROMPT_RECEIVED","prompt":{"text":"no id","from":"alice"}}`)
	auth.Push("R1", `{"type":"EXISTING_PROMPTS","prompts":7}`)
	auth.Push("R1", `{"type":"ROOM_STATE","players":["alice","bob"],"currentTurn":"alice"}`)

	snap := eventually(t, e, "valid state after garbage", func(s model.Snapshot) bool { return len(s.Room.Players) == 2 })
	assert.Empty(t, snap.Prompts.All)
	assert.Equal(t, model.StateOpen, snap.Connection)

	// only well-formed envelopes reach the log: ROOM_STATE, dropped prompt, ROOM_STATE
	assert.Len(t, snap.Messages, len(before.Messages)+2)
	for _, m := range snap.Messages {
		assert.NotEqual(t, codec.TypeExistingPrompts, m.Type)
	}
}

func TestOptimisticDeleteIsIdempotent(t *testing.T) {
	e, auth := startEngine(t, nil)
	ctx := context.Background()

	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})

	require.NoError(t, e.SubmitPrompts(ctx, "sing", "  ", "dance"))
	snap := eventually(t, e, "prompts echoed", func(s model.Snapshot) bool { return len(s.Prompts.Mine) == 2 })
	id := snap.Prompts.All[0].ID

	require.NoError(t, e.DeletePrompt(ctx, id))
	snap = e.Snapshot()
	require.Len(t, snap.Prompts.All, 1, "removed before the server confirms")
	assert.NotEqual(t, id, snap.Prompts.All[0].ID)
	once := snap.Prompts

	snap = eventually(t, e, "delete echoed", func(s model.Snapshot) bool {
		for _, m := range s.Messages {
			if m.Type == codec.TypePromptDeleted {
				return true
			}
		}
		return false
	})
	assert.Equal(t, once, snap.Prompts)

	var sent codec.NewPrompts
	for _, raw := range auth.Received("R1") {
		env, err := codec.Decode([]byte(raw))
		require.NoError(t, err)
		if env.Type == codec.TypeNewPrompts {
			require.NoError(t, env.Unmarshal(&sent))
		}
	}
	assert.Equal(t, codec.NewPrompts{Username: "alice", Prompts: []string{"sing", "dance"}}, sent)
}

func TestLocallyInvalidIntentsAreAbsorbed(t *testing.T) {
	e, auth := startEngine(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, e.Ready(ctx), ErrNotJoined)

	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})
	received := len(auth.Received("R1"))

	assert.NoError(t, e.SubmitPrompts(ctx, "", " "))
	assert.NoError(t, e.DeletePrompt(ctx, "missing"))
	assert.ErrorIs(t, e.SubmitIntent(ctx, codec.Envelope{Type: codec.TypeUserJoined}), ErrReservedIntent)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, auth.Received("R1"), received)
}

func TestInvalidIdentityRejected(t *testing.T) {
	e, _ := startEngine(t, nil)
	err := e.Join(context.Background(), model.RoomIdentity{RoomID: "", Username: "alice", Intent: model.IntentJoin})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	err = e.Join(context.Background(), model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: "spectate"})
	assert.ErrorIs(t, err, model.ErrInvalidIntent)
}

func TestRoomChangeDiscardsState(t *testing.T) {
	e, auth := startEngine(t, nil)
	auth.CreateRoom("R2")

	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})
	auth.Push("R1", `{"type":"PROMPT_RECEIVED","prompt":{"id":"p1","text":"hi","from":"alice"}}`)
	eventually(t, e, "prompt received", func(s model.Snapshot) bool { return len(s.Prompts.All) == 1 })

	snap := joinAndWait(t, e, model.RoomIdentity{RoomID: "R2", Username: "alice", Intent: model.IntentJoin})
	assert.Equal(t, "R2", snap.Identity.RoomID)
	assert.Empty(t, snap.Prompts.All)
	assert.Len(t, snap.Messages, 1)
	require.Eventually(t, func() bool { return auth.Peers("R1") == 0 }, waitFor, 5*time.Millisecond)

	require.NoError(t, e.Leave(context.Background()))
	snap = e.Snapshot()
	assert.Nil(t, snap.Identity)
	assert.Equal(t, model.StateIdle, snap.Connection)
	assert.Empty(t, snap.Messages)
	require.Eventually(t, func() bool { return auth.Peers("R2") == 0 }, waitFor, 5*time.Millisecond)
}

func TestRejoinSameRoomIsNoop(t *testing.T) {
	e, auth := startEngine(t, nil)
	id := model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate}

	joinAndWait(t, e, id)
	require.NoError(t, e.Join(context.Background(), id))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, countType(auth.ReceivedTypes("R1"), codec.TypeUserJoined))
	assert.Equal(t, 1, auth.Peers("R1"))
}

func TestReconnectAfterDropJoinsInsteadOfCreating(t *testing.T) {
	e, auth := startEngine(t, nil)
	id := model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate}

	joinAndWait(t, e, id)
	auth.Drop("R1")
	eventually(t, e, "disconnected", func(s model.Snapshot) bool { return s.Connection == model.StateClosed })
	assert.NoError(t, e.Ready(context.Background()))

	snap := joinAndWait(t, e, id)
	assert.Empty(t, snap.Error)
	assert.Equal(t, model.IntentJoin, snap.Identity.Intent)

	var intents []string
	for _, raw := range auth.Received("R1") {
		env, err := codec.Decode([]byte(raw))
		require.NoError(t, err)
		if env.Type == codec.TypeUserJoined {
			intents = append(intents, env.Field("intent").String())
		}
	}
	assert.Equal(t, []string{"create", "join"}, intents)
}

func TestDeleteWhileDisconnectedRemovesLocally(t *testing.T) {
	e, auth := startEngine(t, nil)
	ctx := context.Background()

	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})
	auth.Push("R1", `{"type":"PROMPT_RECEIVED","prompt":{"id":"p1","text":"hi","from":"alice"}}`)
	eventually(t, e, "prompt received", func(s model.Snapshot) bool { return len(s.Prompts.All) == 1 })

	auth.Drop("R1")
	eventually(t, e, "disconnected", func(s model.Snapshot) bool { return s.Connection == model.StateClosed })

	require.NoError(t, e.DeletePrompt(ctx, "p1"))
	snap := e.Snapshot()
	assert.Empty(t, snap.Prompts.All)
	assert.Empty(t, snap.Prompts.Mine)
	assert.NotNil(t, snap.Prompts.All)

	require.NoError(t, e.SubmitPrompts(ctx, "sing"))
	assert.Zero(t, countType(auth.ReceivedTypes("R1"), codec.TypeDeletePrompt))
	assert.Zero(t, countType(auth.ReceivedTypes("R1"), codec.TypeNewPrompts))
}

func TestReadyDrawAndTurn(t *testing.T) {
	e, auth := startEngine(t, nil)
	ctx := context.Background()
	auth.CreateRoom("R1")

	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentJoin})
	require.NoError(t, e.SubmitPrompts(ctx, "sing"))
	eventually(t, e, "prompt echoed", func(s model.Snapshot) bool { return len(s.Prompts.All) == 1 })

	require.NoError(t, e.Ready(ctx))
	snap := eventually(t, e, "all ready", func(s model.Snapshot) bool { return s.Room.AllReady })
	assert.Equal(t, 1, snap.Room.DrawPileSize)

	require.NoError(t, e.DrawPrompt(ctx))
	snap = eventually(t, e, "drawn", func(s model.Snapshot) bool { return s.Room.LastDrawn != nil })
	assert.Equal(t, "sing", *snap.Room.LastDrawn)
	assert.Zero(t, snap.Room.DrawPileSize)

	require.NoError(t, e.DrawPrompt(ctx))
	eventually(t, e, "pile empty", func(s model.Snapshot) bool { return s.Room.DrawPileEmpty })

	require.NoError(t, e.NextTurn(ctx))
	eventually(t, e, "turn changed", func(s model.Snapshot) bool {
		return countType(messageTypes(s), codec.TypeTurnChanged) == 1
	})
}

func TestSubscribersReceiveSnapshots(t *testing.T) {
	logger := zerolog.Nop()
	fanout := sw.NewSwitch(&logger)
	sub := make(chan model.Snapshot, 64)
	require.NoError(t, fanout.Subscribe("ui", sub))

	e, _ := startEngine(t, fanout)
	joinAndWait(t, e, model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentCreate})

	var last uint64
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-sub:
			require.Greater(t, s.Version, last)
			last = s.Version
			if len(s.Room.Players) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with room state published")
		}
	}
}

func TestFramesAfterTerminationAreIgnored(t *testing.T) {
	logger := zerolog.Nop()
	e := New(Config{Logger: &logger, Endpoint: "ws://127.0.0.1:1/ws"})
	e.identity = &model.RoomIdentity{RoomID: "R1", Username: "alice", Intent: model.IntentJoin}
	e.reconciler = room.NewReconciler()
	e.prompts = memory.NewRegistry("alice", &logger)

	assert.True(t, e.handleFrame([]byte(`{"type":"ROOM_STATE","players":["alice"],"currentTurn":null}`)))
	assert.True(t, e.handleFrame([]byte(`{"type":"ERROR","message":"room full"}`)))
	assert.False(t, e.handleFrame([]byte(`{"type":"ROOM_STATE","players":["bob"],"currentTurn":"bob"}`)))
	assert.False(t, e.handleFrame([]byte(`{"type":"PROMPT_RECEIVED","prompt":{"id":"p1","text":"hi","from":"alice"}}`)))

	snap := e.buildSnapshot()
	assert.Equal(t, []string{"alice"}, snap.Room.Players)
	assert.Empty(t, snap.Prompts.All)
	assert.Equal(t, "room full", snap.Error)
	assert.Len(t, snap.Messages, 2)
}

func messageTypes(s model.Snapshot) []string {
	types := make([]string, 0, len(s.Messages))
	for _, m := range s.Messages {
		types = append(types, m.Type)
	}
	return types
}
