package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/danmuck/ictrl/internal/protocol/frame"
	"golang.org/x/sys/unix"
)

func newTestClient(t *testing.T, blocking bool) (*Client, *fakeConn) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Blocking = blocking
	conn := &fakeConn{fd: 9}
	return newClient(conn, cfg), conn
}

func TestClientSendsOneFramePerCall(t *testing.T) {
	c, conn := newTestClient(t, false)
	if err := c.Send(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
	if err := c.Build(123, []byte("hoge\x00"), []byte("common\x00")); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := c.Compose(7, []byte("next")); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if err := c.Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conn.sent) != 1 || c.Queued() != 1 {
		t.Fatalf("send drained more than one frame: sent=%d queued=%d", len(conn.sent), c.Queued())
	}
	if !bytes.Equal(conn.sent[0], mustWire(t, 123, []byte("hoge\x00"), []byte("common\x00"))) {
		t.Fatalf("unexpected wire bytes")
	}
	_ = c.Close()
}

func TestClientNonBlockingSurfacesWouldBlock(t *testing.T) {
	c, conn := newTestClient(t, false)
	conn.sendErrs = []error{unix.EAGAIN}
	if err := c.Compose(1, nil); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if err := c.Send(); !errors.Is(err, iox.ErrWouldBlock) {
		t.Fatalf("expected would block, got %v", err)
	}
	if c.Queued() != 1 {
		t.Fatalf("deferred frame lost")
	}
	if _, err := c.Recv(); !errors.Is(err, iox.ErrWouldBlock) {
		t.Fatalf("expected would block on empty recv, got %v", err)
	}
	_ = c.Close()
}

func TestClientBlockingWaitsOut(t *testing.T) {
	c, conn := newTestClient(t, true)
	conn.sendErrs = []error{unix.EAGAIN, unix.ENOBUFS}
	conn.recvs = []recvResult{{err: unix.EAGAIN}, {data: mustWire(t, 456)}}

	if err := c.Compose(123, nil); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if err := c.Send(); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	defer f.Release()
	if f.Type() != 456 {
		t.Fatalf("reply type=%d", f.Type())
	}
	for i, seg := range f.Segments() {
		if seg != nil {
			t.Fatalf("segment %d unexpectedly present", i+1)
		}
	}
	_ = c.Close()
}

func TestClientBlockingHonoursContext(t *testing.T) {
	c, _ := newTestClient(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.RecvContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	_ = c.Close()
}

func TestClientRecvEOFAndClose(t *testing.T) {
	before := frame.Live()
	c, conn := newTestClient(t, true)
	conn.recvs = []recvResult{{data: nil}}
	if f, err := c.Recv(); f != nil || !errors.Is(err, io.EOF) {
		t.Fatalf("expected absent frame on orderly close, got f=%v err=%v", f, err)
	}
	if err := c.Compose(1, []byte("left behind")); err != nil {
		t.Fatalf("compose: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil || conn.closed != 1 {
		t.Fatalf("second close: err=%v closes=%d", err, conn.closed)
	}
	if frame.Live() != before {
		t.Fatalf("queued frame leaked on close")
	}
	if err := c.Send(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
