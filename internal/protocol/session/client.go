package session

import (
	"context"
	"errors"

	"code.hybscloud.com/iox"
	"github.com/danmuck/ictrl/internal/protocol/frame"
)

// Client is a connection-only endpoint for request/response use. It has no
// readiness registration: Send and Recv each perform one exchange.
type Client struct {
	endpoint
	blocking bool
}

func newClient(conn Conn, cfg Config) *Client {
	return &Client{
		endpoint: newEndpoint(conn, cfg, "client"),
		blocking: cfg.Blocking,
	}
}

// Dial connects to the control socket at cfg.Path.
func Dial(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	conn, err := dialSocket(cfg.Path, cfg.Blocking)
	if err != nil {
		return nil, err
	}
	c := newClient(conn, cfg)
	c.log.Debug().Str("path", cfg.Path).Msg("connected")
	return c, nil
}

func (c *Client) Compose(typ uint16, data []byte) error {
	if len(data) == 0 {
		return c.enqueue(typ, nil)
	}
	return c.enqueue(typ, [][]byte{data})
}

func (c *Client) Build(typ uint16, segs ...[]byte) error {
	return c.enqueue(typ, segs)
}

// Send transmits the oldest queued frame. It does not loop over the queue.
func (c *Client) Send() error {
	return c.SendContext(context.Background())
}

// SendContext is Send with cancellation of the blocking wait.
func (c *Client) SendContext(ctx context.Context) error {
	if c.closed {
		return ErrSessionClosed
	}
	var bo iox.Backoff
	for {
		err := c.sendHead()
		if err == nil || !c.blocking || !isWouldBlock(err) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		bo.Wait()
	}
}

// Recv reads one frame. An orderly shutdown by the peer returns io.EOF.
// The caller owns the returned frame.
func (c *Client) Recv() (*frame.Buffer, error) {
	return c.RecvContext(context.Background())
}

func (c *Client) RecvContext(ctx context.Context) (*frame.Buffer, error) {
	if c.closed {
		return nil, ErrSessionClosed
	}
	var bo iox.Backoff
	for {
		f, err := c.recvFrame()
		if err == nil || !c.blocking || !errors.Is(err, iox.ErrWouldBlock) {
			return f, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		bo.Wait()
	}
}

// Close closes the socket and releases anything still queued.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.out.drain()
	return c.conn.Close()
}
