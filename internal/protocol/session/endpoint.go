package session

import (
	"errors"
	"fmt"
	"io"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/danmuck/ictrl/internal/observability"
	"github.com/danmuck/ictrl/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// ID identifies a Session or Client for logging.
type ID = uint32

var idCounter atomix.Uint32

func nextID() ID {
	return idCounter.Add(1)
}

// endpoint is the queue and codec state shared by Session and Client.
type endpoint struct {
	id      ID
	conn    Conn
	codec   frame.Codec
	out     *outbox
	scratch []byte
	channel string
	log     zerolog.Logger
	closed  bool
}

func newEndpoint(conn Conn, cfg Config, kind string) endpoint {
	id := nextID()
	return endpoint{
		id:      id,
		conn:    conn,
		codec:   cfg.codec(),
		out:     newOutbox(cfg.QueueDepth),
		scratch: make([]byte, cfg.MaxFrameSize),
		channel: cfg.Channel,
		log: cfg.Logger.With().
			Str("component", kind).
			Uint32("session", id).
			Int("fd", conn.Fd()).
			Logger(),
	}
}

func (e *endpoint) ID() ID {
	return e.id
}

// Queued reports how many frames wait to be sent.
func (e *endpoint) Queued() int {
	return e.out.len()
}

// enqueue builds a frame and appends it to the outbound queue.
func (e *endpoint) enqueue(typ uint16, segs [][]byte) error {
	if e.closed {
		return ErrSessionClosed
	}
	f, err := e.codec.Build(typ, segs...)
	if err != nil {
		return fmt.Errorf("session: build type %d: %w", typ, err)
	}
	if err := e.out.push(f); err != nil {
		f.Release()
		observability.RecordQueueRejected(e.channel)
		e.log.Warn().Uint16("type", typ).Int("queued", e.out.len()).Msg("outbound queue full, frame dropped")
		return err
	}
	return nil
}

// sendHead transmits the oldest queued frame. On backpressure the frame
// stays queued untouched and iox.ErrWouldBlock is returned.
func (e *endpoint) sendHead() error {
	f := e.out.peek()
	if f == nil {
		return ErrQueueEmpty
	}
	if err := e.conn.Send(f.Buffers()); err != nil {
		if isSendBackpressure(err) {
			observability.RecordSendDeferred(e.channel)
			return fmt.Errorf("session: send deferred: %w", iox.ErrWouldBlock)
		}
		return fmt.Errorf("session: send: %w", err)
	}
	e.out.pop().Release()
	observability.RecordFrameSent(e.channel)
	return nil
}

// recvFrame reads and parses exactly one record. io.EOF means the peer
// shut down; iox.ErrWouldBlock means nothing was ready.
func (e *endpoint) recvFrame() (*frame.Buffer, error) {
	n, err := e.conn.Recv(e.scratch)
	if err != nil {
		if isWouldBlock(err) {
			return nil, iox.ErrWouldBlock
		}
		if errors.Is(err, ErrRecordTruncated) {
			return nil, err
		}
		return nil, fmt.Errorf("session: recv: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	f, err := e.codec.Parse(e.scratch[:n])
	if err != nil {
		return nil, err
	}
	observability.RecordFrameReceived(e.channel)
	return f, nil
}
