package _switch

import (
	"context"
	"testing"

	"github.com/adwski/dealbreaker/client/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	a := make(chan model.Snapshot, 1)
	b := make(chan model.Snapshot, 1)
	require.NoError(t, sw.Subscribe("a", a))
	require.NoError(t, sw.Subscribe("b", b))
	assert.ErrorIs(t, sw.Subscribe("a", a), ErrSubscribed)

	n := sw.Publish(context.Background(), model.Snapshot{Version: 1})
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(1), (<-a).Version)
	assert.Equal(t, uint64(1), (<-b).Version)

	sw.Unsubscribe("b")
	assert.Equal(t, 1, sw.Publish(context.Background(), model.Snapshot{Version: 2}))
	assert.Equal(t, uint64(2), (<-a).Version)
	assert.Empty(t, b)
}

func TestPublishSkipsSlowSubscriber(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	slow := make(chan model.Snapshot)
	require.NoError(t, sw.Subscribe("slow", slow))

	assert.Zero(t, sw.Publish(context.Background(), model.Snapshot{Version: 1}))
}

func TestPublishCanceled(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	require.NoError(t, sw.Subscribe("slow", make(chan model.Snapshot)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, sw.Publish(ctx, model.Snapshot{Version: 1}))
}
