package session

import (
	"bytes"
	"time"

	"github.com/danmuck/ictrl/internal/eventloop"
	"golang.org/x/sys/unix"
)

type recvResult struct {
	data []byte
	err  error
}

// fakeConn records sent records and replays scripted receives.
type fakeConn struct {
	fd       int
	sent     [][]byte
	sendErrs []error
	recvs    []recvResult
	closed   int
}

func (c *fakeConn) Fd() int {
	return c.fd
}

func (c *fakeConn) Send(bufs [][]byte) error {
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, bytes.Join(bufs, nil))
	return nil
}

func (c *fakeConn) Recv(p []byte) (int, error) {
	if len(c.recvs) == 0 {
		return 0, unix.EAGAIN
	}
	r := c.recvs[0]
	c.recvs = c.recvs[1:]
	if r.err != nil {
		return 0, r.err
	}
	return copy(p, r.data), nil
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

type fakeReg struct {
	fd        int
	in        eventloop.Interest
	fn        eventloop.Handler
	cancelled bool
	updates   int
}

func (r *fakeReg) Update(in eventloop.Interest) error {
	if r.cancelled {
		return eventloop.ErrCancelled
	}
	r.in = in
	r.updates++
	return nil
}

func (r *fakeReg) Interest() eventloop.Interest {
	return r.in
}

func (r *fakeReg) Cancel() error {
	r.cancelled = true
	return nil
}

type fakeTimer struct {
	fn      func()
	pending bool
	arms    int
	last    time.Duration
}

func (t *fakeTimer) Arm(d time.Duration) {
	t.pending = true
	t.arms++
	t.last = d
}

func (t *fakeTimer) Cancel() {
	t.pending = false
}

func (t *fakeTimer) Pending() bool {
	return t.pending
}

// fire runs the timer callback the way the loop would.
func (t *fakeTimer) fire() {
	if !t.pending {
		return
	}
	t.pending = false
	t.fn()
}

// fakePoller hands out inspectable registrations and timers. Events are
// delivered by calling fire.
type fakePoller struct {
	regs   map[int]*fakeReg
	timers []*fakeTimer
}

func newFakePoller() *fakePoller {
	return &fakePoller{regs: make(map[int]*fakeReg)}
}

func (p *fakePoller) Register(fd int, in eventloop.Interest, fn eventloop.Handler) (eventloop.Registration, error) {
	if r, ok := p.regs[fd]; ok && !r.cancelled {
		return nil, eventloop.ErrRegistered
	}
	r := &fakeReg{fd: fd, in: in, fn: fn}
	p.regs[fd] = r
	return r, nil
}

func (p *fakePoller) NewTimer(fn func()) eventloop.Timer {
	t := &fakeTimer{fn: fn}
	p.timers = append(p.timers, t)
	return t
}

// fire delivers ready to fd if the registration is interested in it.
func (p *fakePoller) fire(fd int, ready eventloop.Interest) bool {
	r, ok := p.regs[fd]
	if !ok || r.cancelled {
		return false
	}
	ready &= r.in
	if ready == 0 {
		return false
	}
	r.fn(ready)
	return true
}
