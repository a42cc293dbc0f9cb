package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/dealbreaker/client/config"
	"github.com/adwski/dealbreaker/client/engine"
	"github.com/adwski/dealbreaker/client/model"
	httpServer "github.com/adwski/dealbreaker/client/server/http"
	sw "github.com/adwski/dealbreaker/client/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	watcherID      = "log-watcher"
	watcherBufSize = 16
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logger.Level(cfg.Level())

	snapSwitch := sw.NewSwitch(&logger)
	eng := engine.New(engine.Config{
		Logger:    &logger,
		Endpoint:  cfg.Endpoint,
		Publisher: snapSwitch,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		RoomService:  eng,
		ListenAddr:   cfg.APIListenAddr,
		ProbeTimeout: cfg.ProbeTimeout,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
		snc  = make(chan model.Snapshot, watcherBufSize)
	)
	if err = snapSwitch.Subscribe(watcherID, snc); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe snapshot watcher")
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()
	go httpSrv.Run(ctx, wg, errc)
	go watch(ctx, wg, snc, &logger)

	if id, ok := cfg.AutoJoin(); ok {
		if err = eng.Join(ctx, id); err != nil {
			logger.Error().Err(err).Str("roomID", id.RoomID).Msg("failed to enter room")
		}
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	snapSwitch.Unsubscribe(watcherID)

	if cfg.Dump {
		logger.Info().Msg("final snapshot\n" + spew.Sdump(eng.Snapshot()))
	}
}

func watch(ctx context.Context, wg *sync.WaitGroup, snc <-chan model.Snapshot, logger *zerolog.Logger) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snc:
			logger.Debug().
				Uint64("version", snap.Version).
				Str("address", snap.Address).
				Stringer("connection", snap.Connection).
				Int("prompts", len(snap.Prompts.All)).
				Str("error", snap.Error).
				Msg("snapshot published")
		}
	}
}
