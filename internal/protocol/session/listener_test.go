package session

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/ictrl/internal/eventloop"
	"golang.org/x/sys/unix"
)

const listenFd = 100

type acceptScript struct {
	results []error
	nextFd  int
	conns   []*fakeConn
}

func (a *acceptScript) accept(int) (Conn, error) {
	if len(a.results) > 0 {
		err := a.results[0]
		a.results = a.results[1:]
		if err != nil {
			return nil, err
		}
	}
	a.nextFd++
	c := &fakeConn{fd: 200 + a.nextFd}
	a.conns = append(a.conns, c)
	return c, nil
}

func newTestListener(t *testing.T, script *acceptScript) (*Listener, *fakePoller) {
	t.Helper()
	p := newFakePoller()
	l := newListener(testConfig(t), p, &frameRecorder{}, listenFd)
	l.accept = script.accept
	l.closeFd = func(int) error { return nil }
	l.unlink = func(string) error { return nil }
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return l, p
}

func TestListenerAcceptCreatesReadOnlySession(t *testing.T) {
	script := &acceptScript{}
	l, p := newTestListener(t, script)
	if p.regs[listenFd].in != eventloop.Readable || l.State() != StateListening {
		t.Fatalf("listener not listening after start")
	}
	if len(p.timers) != 1 || p.timers[0].Pending() {
		t.Fatalf("backoff timer must be prepared but not armed")
	}

	p.fire(listenFd, eventloop.Readable)
	if l.Sessions() != 1 {
		t.Fatalf("sessions=%d", l.Sessions())
	}
	sreg := p.regs[script.conns[0].fd]
	if sreg == nil || sreg.in != eventloop.Readable {
		t.Fatalf("new session should be read-only registered")
	}

	script.conns[0].recvs = []recvResult{{data: nil}}
	p.fire(script.conns[0].fd, eventloop.Readable)
	if l.Sessions() != 0 {
		t.Fatalf("closed session still tracked")
	}
	_ = l.Close()
}

func TestListenerExhaustionBackoff(t *testing.T) {
	for _, errno := range []unix.Errno{unix.EMFILE, unix.ENFILE} {
		t.Run(errno.Error(), func(t *testing.T) {
			script := &acceptScript{}
			l, p := newTestListener(t, script)
			timer := p.timers[0]
			lreg := p.regs[listenFd]

			p.fire(listenFd, eventloop.Readable)
			script.results = []error{errno}
			p.fire(listenFd, eventloop.Readable)

			if lreg.in != 0 || l.State() != StatePaused {
				t.Fatalf("accept not paused: interest=%v state=%v", lreg.in, l.State())
			}
			if timer.arms != 1 || !timer.Pending() || timer.last != time.Second {
				t.Fatalf("expected exactly one 1s timer, arms=%d pending=%v last=%v", timer.arms, timer.Pending(), timer.last)
			}
			if p.fire(listenFd, eventloop.Readable) {
				t.Fatalf("paused listener still receives accept events")
			}

			// a closing session frees a descriptor and resumes accept at once
			script.conns[0].recvs = []recvResult{{data: nil}}
			p.fire(script.conns[0].fd, eventloop.Readable)
			if timer.Pending() {
				t.Fatalf("timer still pending after session close")
			}
			if lreg.in != eventloop.Readable || l.State() != StateListening {
				t.Fatalf("accept not restored: interest=%v state=%v", lreg.in, l.State())
			}
			if timer.arms != 1 {
				t.Fatalf("timer re-armed: %d", timer.arms)
			}
			_ = l.Close()
		})
	}
}

func TestListenerBackoffTimerRetriesAccept(t *testing.T) {
	script := &acceptScript{results: []error{unix.EMFILE}}
	l, p := newTestListener(t, script)
	timer := p.timers[0]

	p.fire(listenFd, eventloop.Readable)
	if l.State() != StatePaused {
		t.Fatalf("expected paused")
	}

	// still exhausted when the timer fires: pause again
	script.results = []error{unix.ENFILE}
	timer.fire()
	if l.State() != StatePaused || timer.arms != 2 || !timer.Pending() {
		t.Fatalf("second exhaustion: state=%v arms=%d", l.State(), timer.arms)
	}
	if p.regs[listenFd].in != 0 {
		t.Fatalf("accept interest should be disabled again")
	}

	// descriptors available on the next firing
	timer.fire()
	if l.State() != StateListening || l.Sessions() != 1 {
		t.Fatalf("timer retry did not accept: state=%v sessions=%d", l.State(), l.Sessions())
	}
	if p.regs[listenFd].in != eventloop.Readable {
		t.Fatalf("accept interest not restored")
	}
	_ = l.Close()
}

func TestListenerIgnoresTransientAcceptErrors(t *testing.T) {
	script := &acceptScript{results: []error{unix.EAGAIN, unix.EINTR, unix.ECONNABORTED, unix.EPROTO}}
	l, p := newTestListener(t, script)
	for i := 0; i < 4; i++ {
		p.fire(listenFd, eventloop.Readable)
	}
	if l.State() != StateListening || p.timers[0].arms != 0 || l.Sessions() != 0 {
		t.Fatalf("transient errors changed state: state=%v arms=%d", l.State(), p.timers[0].arms)
	}
	p.fire(listenFd, eventloop.Readable)
	if l.Sessions() != 1 {
		t.Fatalf("listener stopped accepting after transient errors")
	}
	_ = l.Close()
}

func TestListenerStopAndClose(t *testing.T) {
	script := &acceptScript{results: []error{nil, nil, unix.EMFILE}}
	l, p := newTestListener(t, script)
	var closedFd int
	var unlinked string
	l.closeFd = func(fd int) error { closedFd = fd; return nil }
	l.unlink = func(path string) error { unlinked = path; return nil }

	p.fire(listenFd, eventloop.Readable)
	p.fire(listenFd, eventloop.Readable)
	p.fire(listenFd, eventloop.Readable)
	if l.Sessions() != 2 || l.State() != StatePaused {
		t.Fatalf("setup: sessions=%d state=%v", l.Sessions(), l.State())
	}

	l.Stop()
	l.Stop()
	if l.State() != StateStopped || !p.regs[listenFd].cancelled || p.timers[0].Pending() {
		t.Fatalf("stop incomplete")
	}
	if l.Sessions() != 2 {
		t.Fatalf("stop must not close sessions")
	}

	// sessions closing after Stop must not resurrect accept
	script.conns[0].recvs = []recvResult{{data: nil}}
	p.fire(script.conns[0].fd, eventloop.Readable)
	if l.State() != StateStopped {
		t.Fatalf("listener restarted after stop")
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.Sessions() != 0 || script.conns[1].closed != 1 {
		t.Fatalf("close left sessions open")
	}
	if closedFd != listenFd || unlinked != l.cfg.Path {
		t.Fatalf("close fd=%d unlink=%q", closedFd, unlinked)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := l.Start(); !errors.Is(err, ErrListenerStopped) {
		t.Fatalf("expected ErrListenerStopped, got %v", err)
	}
}

func TestListenerPausesWaitTheConfiguredDelay(t *testing.T) {
	script := &acceptScript{results: []error{unix.EMFILE}}
	p := newFakePoller()
	cfg := testConfig(t)
	cfg.AcceptBackoff = 250 * time.Millisecond
	l := newListener(cfg, p, &frameRecorder{}, listenFd)
	l.accept = script.accept
	l.closeFd = func(int) error { return nil }
	l.unlink = func(string) error { return nil }
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	timer := p.timers[0]

	p.fire(listenFd, eventloop.Readable)
	for i := 0; i < 3; i++ {
		if timer.last != 250*time.Millisecond {
			t.Fatalf("pause %d waits %v", i+1, timer.last)
		}
		script.results = []error{unix.ENFILE}
		timer.fire()
	}
	if timer.arms != 4 || l.pauses != 4 {
		t.Fatalf("arms=%d pauses=%d", timer.arms, l.pauses)
	}

	// a successful accept resets the pause count
	timer.fire()
	if l.State() != StateListening || l.pauses != 0 {
		t.Fatalf("state=%v pauses=%d", l.State(), l.pauses)
	}
	_ = l.Close()
}

func TestDefaultAcceptBackoffIsOneSecond(t *testing.T) {
	if got := DefaultConfig().AcceptBackoff; got != time.Second {
		t.Fatalf("default accept backoff %v", got)
	}
	cfg := Config{Path: "/tmp/x.sock"}.withDefaults()
	if cfg.AcceptBackoff != time.Second {
		t.Fatalf("zero backoff not defaulted: %v", cfg.AcceptBackoff)
	}
}
