package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/dealbreaker/client/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = 100 * time.Millisecond
)

var ErrSubscribed = errors.New("subscriber already registered")

// Switch fans published snapshots out to rendering-layer subscribers.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	subs    map[string]chan<- model.Snapshot
	timeout time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		subs:    make(map[string]chan<- model.Snapshot),
		timeout: defaultFwdTimout,
	}
}

func (sw *Switch) Subscribe(id string, ch chan<- model.Snapshot) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.subs[id]; ok {
		return ErrSubscribed
	}
	sw.subs[id] = ch
	sw.logger.Debug().Str("subscriber", id).Msg("subscriber connected")
	return nil
}

func (sw *Switch) Unsubscribe(id string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	delete(sw.subs, id)
	sw.logger.Debug().Str("subscriber", id).Msg("subscriber disconnected")
}

// Publish delivers snap to every subscriber. A subscriber that does not take
// the snapshot within the forward timeout misses it. It returns the number
// of subscribers reached.
func (sw *Switch) Publish(ctx context.Context, snap model.Snapshot) int {
	sw.mx.RLock()
	subs := make(map[string]chan<- model.Snapshot, len(sw.subs))
	for id, ch := range sw.subs {
		subs[id] = ch
	}
	sw.mx.RUnlock()

	var reached int
	for id, ch := range subs {
		sent, canceled := send(ctx, snap, ch, sw.timeout)
		if canceled {
			break
		}
		if sent {
			reached++
			continue
		}
		sw.logger.Warn().
			Str("subscriber", id).
			Uint64("version", snap.Version).
			Msg("slow subscriber, snapshot dropped")
	}
	return reached
}

func send(ctx context.Context, snap model.Snapshot, tx chan<- model.Snapshot, timeout time.Duration) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
	case tx <- snap:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
