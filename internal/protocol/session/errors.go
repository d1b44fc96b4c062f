package session

import (
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

var (
	ErrPathRequired      = errors.New("session: socket path required")
	ErrPathTooLong       = errors.New("session: socket path too long")
	ErrInvalidFrameSize  = errors.New("session: invalid max frame size")
	ErrInvalidQueueDepth = errors.New("session: invalid queue depth")
	ErrSessionClosed     = errors.New("session: closed")
	ErrQueueEmpty        = errors.New("session: outbound queue empty")
	ErrShortWrite        = errors.New("session: short write")
	ErrRecordTruncated   = errors.New("session: received record truncated")
	ErrListenerStopped   = errors.New("session: listener stopped")

	// ErrQueueFull is returned by Compose and Build when the outbound queue
	// is at its bound. It matches iox.ErrWouldBlock.
	ErrQueueFull = fmt.Errorf("session: outbound queue full: %w", iox.ErrWouldBlock)
)

// isWouldBlock reports conditions that clear on a later readiness event.
func isWouldBlock(err error) bool {
	return iox.IsWouldBlock(err) || errors.Is(err, iox.ErrWouldBlock) ||
		errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// isSendBackpressure adds the socket buffer exhaustion case to isWouldBlock.
func isSendBackpressure(err error) bool {
	return isWouldBlock(err) || errors.Is(err, unix.ENOBUFS)
}

// isDescriptorExhausted reports the process- or system-wide fd limit.
func isDescriptorExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}

func isAcceptTransient(err error) bool {
	return isWouldBlock(err) || errors.Is(err, unix.ECONNABORTED)
}
