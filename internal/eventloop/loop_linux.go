//go:build linux

package eventloop

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

// Loop is a level-triggered epoll loop with one-shot timers.
type Loop struct {
	epfd   int
	wakefd int
	log    zerolog.Logger

	regs   map[int]*registration
	timers []*timer
	events []unix.EpollEvent

	stopping atomic.Bool
	postMu   sync.Mutex
	posted   []func()
	closed   bool
	now      func() time.Time
}

func New(log zerolog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: register wakeup: %w", err)
	}
	return &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		log:    log.With().Str("component", "eventloop").Logger(),
		regs:   make(map[int]*registration),
		events: make([]unix.EpollEvent, maxEvents),
		now:    time.Now,
	}, nil
}

func epollEvents(in Interest) uint32 {
	var ev uint32
	if in&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (l *Loop) Register(fd int, in Interest, fn Handler) (Registration, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.regs[fd]; ok {
		return nil, fmt.Errorf("%w: fd %d", ErrRegistered, fd)
	}
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	r := &registration{loop: l, fd: fd, in: in, fn: fn}
	l.regs[fd] = r
	return r, nil
}

func (l *Loop) NewTimer(fn func()) Timer {
	return &timer{loop: l, fn: fn}
}

// Stop makes Run return after the current dispatch round. It is the only
// Loop method that may be called from another goroutine.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	l.wake()
}

// Post queues fn to run on the loop goroutine after the current dispatch
// round. Like Stop it may be called from any goroutine.
func (l *Loop) Post(fn func()) {
	l.postMu.Lock()
	l.posted = append(l.posted, fn)
	l.postMu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(l.wakefd, one[:])
}

// Run dispatches readiness and timer callbacks until Stop is called or ctx
// is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}
	defer context.AfterFunc(ctx, l.Stop)()
	defer l.stopping.Store(false)

	for !l.stopping.Load() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := unix.EpollWait(l.epfd, l.events, l.waitTimeout())
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			l.dispatch(l.events[i])
		}
		l.fireTimers()
		l.runPosted()
	}
	return nil
}

func (l *Loop) runPosted() {
	l.postMu.Lock()
	fns := l.posted
	l.posted = nil
	l.postMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == l.wakefd {
		var buf [8]byte
		_, _ = unix.Read(l.wakefd, buf[:])
		return
	}
	r, ok := l.regs[fd]
	if !ok || r.cancelled {
		return
	}
	var ready Interest
	if ev.Events&unix.EPOLLIN != 0 {
		ready |= Readable
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		ready |= Writable
	}
	// errors and hangups surface through the next read or write attempt
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= r.in
	}
	ready &= r.in
	if ready == 0 {
		return
	}
	r.fn(ready)
}

// waitTimeout is the epoll timeout in milliseconds until the next timer.
func (l *Loop) waitTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	next := l.timers[0].deadline
	for _, t := range l.timers[1:] {
		if t.deadline.Before(next) {
			next = t.deadline
		}
	}
	d := next.Sub(l.now())
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (l *Loop) fireTimers() {
	if len(l.timers) == 0 {
		return
	}
	now := l.now()
	var due []*timer
	for _, t := range l.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	for _, t := range due {
		if !t.pending {
			continue
		}
		l.removeTimer(t)
		t.fn()
	}
}

func (l *Loop) removeTimer(t *timer) {
	t.pending = false
	for i, x := range l.timers {
		if x == t {
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			return
		}
	}
}

// Close releases the epoll and wakeup descriptors. Registered descriptors
// are not closed.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.regs = map[int]*registration{}
	l.timers = nil
	err := errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
	if err != nil {
		return fmt.Errorf("eventloop: close: %w", err)
	}
	return nil
}

type registration struct {
	loop      *Loop
	fd        int
	in        Interest
	fn        Handler
	cancelled bool
}

func (r *registration) Interest() Interest {
	return r.in
}

func (r *registration) Update(in Interest) error {
	if r.cancelled {
		return ErrCancelled
	}
	if in == r.in {
		return nil
	}
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(r.fd)}
	if err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod fd %d: %w", r.fd, err)
	}
	r.in = in
	return nil
}

func (r *registration) Cancel() error {
	if r.cancelled {
		return nil
	}
	r.cancelled = true
	if cur, ok := r.loop.regs[r.fd]; ok && cur == r {
		delete(r.loop.regs, r.fd)
	}
	if r.loop.closed {
		return nil
	}
	if err := unix.EpollCtl(r.loop.epfd, unix.EPOLL_CTL_DEL, r.fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", r.fd, err)
	}
	return nil
}

type timer struct {
	loop     *Loop
	fn       func()
	deadline time.Time
	pending  bool
}

// Arm schedules the timer d from now, replacing any pending deadline.
func (t *timer) Arm(d time.Duration) {
	t.deadline = t.loop.now().Add(d)
	if !t.pending {
		t.pending = true
		t.loop.timers = append(t.loop.timers, t)
	}
}

func (t *timer) Cancel() {
	if t.pending {
		t.loop.removeTimer(t)
	}
}

func (t *timer) Pending() bool {
	return t.pending
}
