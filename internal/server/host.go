// Package server hosts a control channel in a long running process: it
// drives the lifecycle hooks, runs the event loop and turns termination
// signals into a bounded graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/ictrl/internal/eventloop"
	"github.com/danmuck/ictrl/internal/observability"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Ops are the lifecycle hooks of the hosted service. Start, Stop, Shutdown
// and IsDown run on the loop goroutine or after the loop has returned.
type Ops interface {
	Init() error
	Fini() error
	// Start runs before the loop dispatches.
	Start() error
	// Stop runs after the loop has returned.
	Stop()
	// Shutdown begins a graceful shutdown on the first signal.
	Shutdown()
	// IsDown reports whether the service has finished shutting down.
	IsDown() bool
}

type Config struct {
	// ExitWait bounds how many polls of IsDown happen before exiting anyway.
	ExitWait     int
	PollInterval time.Duration
	// MetricsAddr enables the /metrics and /healthz listener when set.
	MetricsAddr string
	Signals     []os.Signal
	Logger      zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ExitWait:     10,
		PollInterval: time.Second,
		Signals:      []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP},
		Logger:       zerolog.Nop(),
	}
}

// Loop is the part of eventloop.Loop the host drives.
type Loop interface {
	eventloop.Poller
	Run(ctx context.Context) error
	Stop()
	Post(fn func())
}

type Host struct {
	cfg  Config
	ops  Ops
	loop Loop
	log  zerolog.Logger

	exit     eventloop.Timer
	rounds   int
	shutting bool
	draining atomic.Bool

	metricsAddr atomic.Value
}

// New runs ops.Init and returns a host ready to Run.
func New(cfg Config, loop Loop, ops Ops) (*Host, error) {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = def.Signals
	}
	if cfg.ExitWait < 0 {
		cfg.ExitWait = 0
	}
	h := &Host{
		cfg:  cfg,
		ops:  ops,
		loop: loop,
		log:  cfg.Logger.With().Str("component", "host").Logger(),
	}
	h.exit = loop.NewTimer(h.checkDown)
	if err := ops.Init(); err != nil {
		return nil, fmt.Errorf("server: init: %w", err)
	}
	h.log.Info().Msg("startup")
	return h, nil
}

// Fini releases what Init acquired.
func (h *Host) Fini() error {
	if err := h.ops.Fini(); err != nil {
		return fmt.Errorf("server: fini: %w", err)
	}
	return nil
}

// Healthy reports false once a shutdown has begun.
func (h *Host) Healthy() bool {
	return !h.draining.Load()
}

// MetricsAddr is the bound metrics listener address, empty until Run has
// opened it.
func (h *Host) MetricsAddr() string {
	if v, ok := h.metricsAddr.Load().(string); ok {
		return v
	}
	return ""
}

// RequestShutdown starts the graceful shutdown from any goroutine.
func (h *Host) RequestShutdown() {
	h.loop.Post(h.beginShutdown)
}

func (h *Host) beginShutdown() {
	if h.shutting {
		return
	}
	h.shutting = true
	h.draining.Store(true)
	h.log.Info().Int("exit_wait", h.cfg.ExitWait).Msg("shutting down")
	h.ops.Shutdown()
	h.exit.Arm(0)
}

// checkDown polls IsDown once per interval and leaves the loop when the
// service is down or ExitWait rounds have passed.
func (h *Host) checkDown() {
	h.rounds++
	if h.rounds > h.cfg.ExitWait || h.ops.IsDown() {
		h.log.Debug().Int("rounds", h.rounds).Msg("leaving event loop")
		h.loop.Stop()
		return
	}
	h.exit.Arm(h.cfg.PollInterval)
}

// Run starts the service, dispatches until a graceful shutdown completes
// and then stops the service. A signal or cancellation of ctx begins the
// shutdown; the loop itself only stops through the exit poll.
func (h *Host) Run(ctx context.Context) error {
	if err := h.ops.Start(); err != nil {
		return fmt.Errorf("server: start: %w", err)
	}
	defer func() {
		h.ops.Stop()
		h.log.Info().Msg("exiting")
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, h.cfg.Signals...)
	defer signal.Stop(sigs)

	var srv *http.Server
	var ln net.Listener
	if h.cfg.MetricsAddr != "" {
		var err error
		ln, err = net.Listen("tcp", h.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("server: metrics listen: %w", err)
		}
		h.metricsAddr.Store(ln.Addr().String())
		srv = &http.Server{
			Handler:           observability.NewRouter(h.log, h.Healthy),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	loopDone := make(chan struct{})

	g.Go(func() error {
		defer close(loopDone)
		return h.loop.Run(context.WithoutCancel(gctx))
	})

	g.Go(func() error {
		select {
		case sig := <-sigs:
			h.log.Info().Str("signal", sig.String()).Msg("signal received")
			h.RequestShutdown()
		case <-gctx.Done():
			h.RequestShutdown()
		case <-loopDone:
		}
		return nil
	})

	if srv != nil {
		g.Go(func() error {
			h.log.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: metrics serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-loopDone
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}
