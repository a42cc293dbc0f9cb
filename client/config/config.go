// Package config resolves client settings from defaults, environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/adwski/dealbreaker/client/model"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const envPrefix = "DEALBREAKER_"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

type Config struct {
	Endpoint      string        `env:"ENDPOINT" envDefault:"ws://localhost:8000/ws"`
	APIListenAddr string        `env:"API_LISTEN_ADDR" envDefault:":8080"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"debug"`
	RoomID        string        `env:"ROOM"`
	Username      string        `env:"USERNAME"`
	Intent        string        `env:"INTENT" envDefault:"join"`
	ProbeTimeout  time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`
	Dump          bool          `env:"DUMP"`
}

// Load parses the process environment, then args on top of it.
func Load(args []string) (*Config, error) {
	return load(args, nil)
}

func load(args []string, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      envPrefix,
		Environment: environ,
	}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fs := pflag.NewFlagSet("dealbreaker", pflag.ContinueOnError)
	fs.StringVarP(&cfg.Endpoint, "endpoint", "e", cfg.Endpoint, "session authority websocket base url")
	fs.StringVarP(&cfg.APIListenAddr, "api-listen-addr", "a", cfg.APIListenAddr, "local api listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVarP(&cfg.RoomID, "room", "r", cfg.RoomID, "room to enter at start")
	fs.StringVarP(&cfg.Username, "username", "u", cfg.Username, "username to enter the room with")
	fs.StringVarP(&cfg.Intent, "intent", "i", cfg.Intent, "create or join")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "room existence probe timeout")
	fs.BoolVar(&cfg.Dump, "dump", cfg.Dump, "dump final snapshot on exit")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if _, err := model.ParseIntent(cfg.Intent); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	if cfg.ProbeTimeout <= 0 {
		return errors.Join(ErrInvalidConfig, fmt.Errorf("probe timeout must be positive, got %s", cfg.ProbeTimeout))
	}
	return nil
}

// Level returns parsed log level. Valid after Load.
func (cfg *Config) Level() zerolog.Level {
	lvl, _ := zerolog.ParseLevel(cfg.LogLevel)
	return lvl
}

// AutoJoin returns identity to enter at start, if room and username are both set.
func (cfg *Config) AutoJoin() (model.RoomIdentity, bool) {
	if cfg.RoomID == "" || cfg.Username == "" {
		return model.RoomIdentity{}, false
	}
	intent, _ := model.ParseIntent(cfg.Intent)
	return model.RoomIdentity{
		RoomID:   cfg.RoomID,
		Username: cfg.Username,
		Intent:   intent,
	}, true
}
