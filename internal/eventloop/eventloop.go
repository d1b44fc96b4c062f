// Package eventloop defines the readiness notification primitives the
// control channel is driven by, plus an epoll backed implementation.
//
// Handlers run on the goroutine that calls Loop.Run. Registrations, timers
// and everything reachable from a handler must only be touched from there.
package eventloop

import (
	"errors"
	"strings"
	"time"
)

// Interest is a set of I/O readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i&Readable != 0 {
		parts = append(parts, "read")
	}
	if i&Writable != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}

var (
	ErrClosed     = errors.New("eventloop: loop closed")
	ErrRegistered = errors.New("eventloop: descriptor already registered")
	ErrCancelled  = errors.New("eventloop: registration cancelled")
)

// Handler receives the readiness set observed for a registered descriptor.
type Handler func(ready Interest)

// Poller is the host event loop seen by the control channel.
type Poller interface {
	// Register subscribes fd for the given interest set. An empty set keeps
	// the registration but delivers nothing until Update widens it.
	Register(fd int, in Interest, fn Handler) (Registration, error)
	// NewTimer prepares a one-shot timer; it is not armed.
	NewTimer(fn func()) Timer
}

// Registration is one descriptor subscription.
type Registration interface {
	Update(in Interest) error
	Interest() Interest
	Cancel() error
}

// Timer is a one-shot timer owned by a Poller.
type Timer interface {
	Arm(d time.Duration)
	Cancel()
	Pending() bool
}
