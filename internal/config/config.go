package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ictrl/internal/logging"
	"github.com/danmuck/ictrl/internal/protocol/session"
	"github.com/danmuck/ictrl/internal/server"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidExitWait      = errors.New("config: exit_wait must not be negative")
	ErrInvalidAcceptBackoff = errors.New("config: accept_backoff must be positive")
	ErrInvalidLogLevel      = errors.New("config: unknown log_level")
)

// Daemon is the ictrld runtime configuration.
type Daemon struct {
	Socket        string
	Backlog       int
	MaxFrameSize  int
	QueueDepth    int
	AcceptBackoff time.Duration
	ExitWait      int
	MetricsAddr   string
	LogLevel      string
}

type fileConfig struct {
	Socket        string `toml:"socket"`
	Backlog       int    `toml:"backlog"`
	MaxFrameSize  int    `toml:"max_frame_size"`
	QueueDepth    int    `toml:"queue_depth"`
	AcceptBackoff string `toml:"accept_backoff"`
	ExitWait      int    `toml:"exit_wait"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
}

func DefaultDaemon() Daemon {
	s := session.DefaultConfig()
	return Daemon{
		Socket:        s.Path,
		Backlog:       s.Backlog,
		MaxFrameSize:  s.MaxFrameSize,
		QueueDepth:    s.QueueDepth,
		AcceptBackoff: s.AcceptBackoff,
		ExitWait:      server.DefaultConfig().ExitWait,
		LogLevel:      "info",
	}
}

// LoadDaemon reads path over DefaultDaemon. Keys absent from the file keep
// their defaults.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Daemon{}, fmt.Errorf("load daemon config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Daemon{}, fmt.Errorf("load daemon config (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}
	if meta.IsDefined("backlog") {
		cfg.Backlog = raw.Backlog
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("queue_depth") {
		cfg.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("accept_backoff") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.AcceptBackoff))
		if err != nil {
			return Daemon{}, fmt.Errorf("parse accept_backoff: %w", err)
		}
		cfg.AcceptBackoff = d
	}
	if meta.IsDefined("exit_wait") {
		cfg.ExitWait = raw.ExitWait
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

func (d Daemon) Validate() error {
	if err := d.Session(zerolog.Nop()).Validate(); err != nil {
		return err
	}
	if d.AcceptBackoff <= 0 {
		return ErrInvalidAcceptBackoff
	}
	if d.ExitWait < 0 {
		return ErrInvalidExitWait
	}
	if _, ok := logging.ParseLevel(d.LogLevel); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, d.LogLevel)
	}
	return nil
}

// Session maps the daemon settings onto the listener configuration.
func (d Daemon) Session(logger zerolog.Logger) session.Config {
	cfg := session.DefaultConfig()
	cfg.Path = d.Socket
	cfg.Backlog = d.Backlog
	cfg.MaxFrameSize = d.MaxFrameSize
	cfg.QueueDepth = d.QueueDepth
	cfg.AcceptBackoff = d.AcceptBackoff
	cfg.Logger = logger
	return cfg
}

func (d Daemon) Host(logger zerolog.Logger) server.Config {
	cfg := server.DefaultConfig()
	cfg.ExitWait = d.ExitWait
	cfg.MetricsAddr = d.MetricsAddr
	cfg.Logger = logger
	return cfg
}
