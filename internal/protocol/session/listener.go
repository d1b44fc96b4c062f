package session

import (
	"fmt"

	"github.com/danmuck/ictrl/internal/eventloop"
	"github.com/danmuck/ictrl/internal/observability"
	"github.com/rs/zerolog"
)

// ListenerState is the accept state of a Listener.
type ListenerState int

const (
	StateStopped ListenerState = iota
	StateListening
	StatePaused
)

func (s ListenerState) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Listener owns the listening control socket and creates a Session for
// every accepted connection.
type Listener struct {
	cfg     Config
	poller  eventloop.Poller
	handler Handler
	log     zerolog.Logger

	fd    int
	path  string
	reg   eventloop.Registration
	timer eventloop.Timer
	state ListenerState

	// consecutive accept pauses without an intervening success
	pauses   int
	sessions map[ID]*Session

	accept  func(fd int) (Conn, error)
	closeFd func(fd int) error
	unlink  func(path string) error
}

func newListener(cfg Config, p eventloop.Poller, h Handler, fd int) *Listener {
	return &Listener{
		cfg:     cfg,
		poller:  p,
		handler: h,
		log: cfg.Logger.With().
			Str("component", "listener").
			Str("path", cfg.Path).
			Logger(),
		fd:       fd,
		path:     cfg.Path,
		sessions: make(map[ID]*Session),
		accept:   acceptConn,
		closeFd:  closeFd,
		unlink:   unlinkPath,
	}
}

// Listen binds the control socket described by cfg. The listener does not
// accept until Start is called.
func Listen(cfg Config, p eventloop.Poller, h Handler) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	fd, err := listenSocket(cfg.Path, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	l := newListener(cfg, p, h, fd)
	l.log.Info().Int("backlog", cfg.Backlog).Int("max_frame", cfg.MaxFrameSize).Msg("control socket ready")
	return l, nil
}

// Start registers for incoming connections and prepares the backoff timer.
func (l *Listener) Start() error {
	if l.state != StateStopped {
		return nil
	}
	if l.fd < 0 {
		return ErrListenerStopped
	}
	reg, err := l.poller.Register(l.fd, eventloop.Readable, l.onReadable)
	if err != nil {
		return fmt.Errorf("session: register listener: %w", err)
	}
	l.reg = reg
	l.timer = l.poller.NewTimer(l.onBackoff)
	l.state = StateListening
	return nil
}

func (l *Listener) State() ListenerState {
	return l.state
}

// Sessions reports the number of open sessions.
func (l *Listener) Sessions() int {
	return len(l.sessions)
}

func (l *Listener) onReadable(eventloop.Interest) {
	l.acceptOne()
}

func (l *Listener) onBackoff() {
	if l.state != StatePaused {
		return
	}
	if err := l.reg.Update(eventloop.Readable); err != nil {
		l.log.Warn().Err(err).Msg("resume accept")
		return
	}
	l.state = StateListening
	l.acceptOne()
}

func (l *Listener) acceptOne() {
	if l.state != StateListening {
		return
	}
	conn, err := l.accept(l.fd)
	if err != nil {
		switch {
		case isDescriptorExhausted(err):
			l.pause(err)
		case isAcceptTransient(err):
		default:
			l.log.Warn().Err(err).Msg("accept")
		}
		return
	}
	l.pauses = 0

	s := newSession(conn, l.cfg, l.handler, l)
	l.sessions[s.id] = s
	if err := s.register(l.poller); err != nil {
		s.log.Warn().Err(err).Msg("register session")
		s.closeWith(reasonRegister)
		return
	}
	s.log.Debug().Msg("accepted")
}

// pause stops accepting until the backoff timer fires or a session closes.
func (l *Listener) pause(cause error) {
	if err := l.reg.Update(0); err != nil {
		l.log.Warn().Err(err).Msg("pause accept")
		return
	}
	l.pauses++
	delay := l.cfg.AcceptBackoff
	l.timer.Arm(delay)
	l.state = StatePaused
	observability.RecordAcceptPause(l.cfg.Channel)
	l.log.Warn().Err(cause).Dur("retry_in", delay).Int("pauses", l.pauses).Int("sessions", len(l.sessions)).Msg("out of descriptors, accept paused")
}

// sessionClosed resumes accepting early: the closed session freed a descriptor.
func (l *Listener) sessionClosed(s *Session) {
	delete(l.sessions, s.id)
	if l.state != StatePaused || !l.timer.Pending() {
		return
	}
	l.timer.Cancel()
	if err := l.reg.Update(eventloop.Readable); err != nil {
		l.log.Warn().Err(err).Msg("resume accept")
		return
	}
	l.pauses = 0
	l.state = StateListening
	l.log.Info().Msg("descriptor released, accept resumed")
}

// Stop cancels the accept registration and the backoff timer. Open
// sessions keep running. Stop is idempotent.
func (l *Listener) Stop() {
	if l.state == StateStopped {
		return
	}
	l.state = StateStopped
	if l.timer != nil {
		l.timer.Cancel()
	}
	if l.reg != nil {
		if err := l.reg.Cancel(); err != nil {
			l.log.Warn().Err(err).Msg("cancel accept registration")
		}
		l.reg = nil
	}
}

// Close stops the listener, closes every remaining session and removes the
// socket file.
func (l *Listener) Close() error {
	l.Stop()
	for _, s := range l.sessions {
		s.Close()
	}
	if l.fd < 0 {
		return nil
	}
	err := l.closeFd(l.fd)
	l.fd = -1
	if l.path != "" {
		if uerr := l.unlink(l.path); uerr != nil && err == nil {
			err = uerr
		}
	}
	if err != nil {
		return fmt.Errorf("session: close listener: %w", err)
	}
	l.log.Info().Msg("control socket closed")
	return nil
}
