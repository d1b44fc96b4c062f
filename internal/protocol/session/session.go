package session

import (
	"errors"
	"io"

	"github.com/danmuck/ictrl/internal/eventloop"
	"github.com/danmuck/ictrl/internal/observability"
	"github.com/danmuck/ictrl/internal/protocol/frame"
)

// Handler processes inbound frames. OnFrame owns f and must Release it.
type Handler interface {
	OnFrame(s *Session, f *frame.Buffer)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Session, f *frame.Buffer)

func (fn HandlerFunc) OnFrame(s *Session, f *frame.Buffer) {
	fn(s, f)
}

// Close reasons recorded in metrics.
const (
	reasonLocal      = "local"
	reasonPeerClosed = "peer_closed"
	reasonRecvError  = "recv_error"
	reasonParseError = "parse_error"
	reasonSendError  = "send_error"
	reasonRegister   = "register_error"
)

// Session is one accepted control connection.
type Session struct {
	endpoint
	listener *Listener
	handler  Handler
	reg      eventloop.Registration
}

func newSession(conn Conn, cfg Config, handler Handler, l *Listener) *Session {
	s := &Session{
		endpoint: newEndpoint(conn, cfg, "session"),
		listener: l,
		handler:  handler,
	}
	observability.RecordSessionOpen(s.channel)
	return s
}

// register subscribes the session for read readiness on p.
func (s *Session) register(p eventloop.Poller) error {
	reg, err := p.Register(s.conn.Fd(), eventloop.Readable, s.handleEvent)
	if err != nil {
		return err
	}
	s.reg = reg
	return nil
}

// Compose queues a frame with at most one payload segment.
func (s *Session) Compose(typ uint16, data []byte) error {
	if len(data) == 0 {
		return s.Build(typ)
	}
	return s.Build(typ, data)
}

// Build queues a frame of typ with up to three payload segments and arms
// write interest.
func (s *Session) Build(typ uint16, segs ...[]byte) error {
	if err := s.enqueue(typ, segs); err != nil {
		return err
	}
	s.updateInterest()
	return nil
}

func (s *Session) interest() eventloop.Interest {
	in := eventloop.Readable
	if s.out.len() > 0 {
		in |= eventloop.Writable
	}
	return in
}

func (s *Session) updateInterest() {
	if s.closed || s.reg == nil {
		return
	}
	if err := s.reg.Update(s.interest()); err != nil {
		s.log.Warn().Err(err).Msg("update readiness")
		s.closeWith(reasonRegister)
	}
}

func (s *Session) handleEvent(ready eventloop.Interest) {
	if ready&eventloop.Writable != 0 {
		s.dispatchSend()
	}
	if !s.closed && ready&eventloop.Readable != 0 {
		s.dispatchRecv()
	}
	s.updateInterest()
}

func (s *Session) dispatchSend() {
	err := s.sendHead()
	switch {
	case err == nil, errors.Is(err, ErrQueueEmpty):
	case isWouldBlock(err):
		s.log.Debug().Int("queued", s.out.len()).Msg("send would block, frame kept")
	default:
		s.log.Warn().Err(err).Msg("send failed, closing")
		s.closeWith(reasonSendError)
	}
}

func (s *Session) dispatchRecv() {
	f, err := s.recvFrame()
	switch {
	case err == nil:
		s.handler.OnFrame(s, f)
	case isWouldBlock(err):
	case errors.Is(err, io.EOF):
		s.log.Debug().Msg("peer closed")
		s.closeWith(reasonPeerClosed)
	case isFrameError(err):
		s.log.Warn().Err(err).Msg("malformed frame, closing")
		s.closeWith(reasonParseError)
	default:
		s.log.Warn().Err(err).Msg("recv failed, closing")
		s.closeWith(reasonRecvError)
	}
}

func isFrameError(err error) bool {
	return errors.Is(err, frame.ErrShortHeader) ||
		errors.Is(err, frame.ErrTruncated) ||
		errors.Is(err, frame.ErrFrameTooLarge) ||
		errors.Is(err, ErrRecordTruncated)
}

// Close tears the session down, releasing every queued frame. It is safe
// to call from OnFrame and more than once.
func (s *Session) Close() {
	s.closeWith(reasonLocal)
}

func (s *Session) Closed() bool {
	return s.closed
}

func (s *Session) closeWith(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	if s.reg != nil {
		if err := s.reg.Cancel(); err != nil {
			s.log.Warn().Err(err).Msg("cancel readiness")
		}
	}
	if err := s.conn.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close descriptor")
	}
	if n := s.out.drain(); n > 0 {
		s.log.Debug().Int("dropped", n).Msg("released queued frames")
	}
	observability.RecordSessionClose(s.channel, reason)
	if s.listener != nil {
		s.listener.sessionClosed(s)
	}
}
