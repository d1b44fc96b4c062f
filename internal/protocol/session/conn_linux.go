//go:build linux

package session

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// seqpacketConn is a SOCK_SEQPACKET unix socket.
type seqpacketConn struct {
	fd int
}

func (c *seqpacketConn) Fd() int {
	return c.fd
}

func (c *seqpacketConn) Send(bufs [][]byte) error {
	want := 0
	for _, b := range bufs {
		want += len(b)
	}
	n, err := unix.SendmsgBuffers(c.fd, bufs, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, want)
	}
	return nil
}

func (c *seqpacketConn) Recv(p []byte) (int, error) {
	n, _, flags, _, err := unix.Recvmsg(c.fd, p, nil, 0)
	if err != nil {
		return 0, err
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, fmt.Errorf("%w: buffer is %d bytes", ErrRecordTruncated, len(p))
	}
	return n, nil
}

func (c *seqpacketConn) Close() error {
	return unix.Close(c.fd)
}

func acceptConn(listenFd int) (Conn, error) {
	fd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &seqpacketConn{fd: fd}, nil
}

// listenSocket binds and listens on path with owner/group-only access. A
// stale socket file at path is removed first.
func listenSocket(path string, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("session: socket: %w", err)
	}

	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		unix.Close(fd)
		return -1, fmt.Errorf("session: unlink %s: %w", path, err)
	}

	oldMask := unix.Umask(unix.S_IXUSR | unix.S_IXGRP | unix.S_IWOTH | unix.S_IROTH | unix.S_IXOTH)
	err = unix.Bind(fd, &unix.SockaddrUnix{Name: path})
	unix.Umask(oldMask)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("session: bind %s: %w", path, err)
	}

	if err := unix.Chmod(path, unix.S_IRUSR|unix.S_IWUSR|unix.S_IRGRP|unix.S_IWGRP); err != nil {
		unix.Close(fd)
		_ = os.Remove(path)
		return -1, fmt.Errorf("session: chmod %s: %w", path, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		_ = os.Remove(path)
		return -1, fmt.Errorf("session: listen %s: %w", path, err)
	}
	return fd, nil
}

// dialSocket connects to path. A blocking dial waits for room in the
// listener's backlog; the descriptor is non-blocking once connected either
// way.
func dialSocket(path string, blocking bool) (Conn, error) {
	typ := unix.SOCK_SEQPACKET | unix.SOCK_CLOEXEC
	if !blocking {
		typ |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(unix.AF_UNIX, typ, 0)
	if err != nil {
		return nil, fmt.Errorf("session: socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	err = unix.Connect(fd, sa)
	for errors.Is(err, unix.EINTR) {
		err = unix.Connect(fd, sa)
	}
	// an interrupted connect may have completed before the retry
	if errors.Is(err, unix.EISCONN) {
		err = nil
	}
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("session: connect %s: %w", path, err)
	}
	if blocking {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("session: set nonblock: %w", err)
		}
	}
	return &seqpacketConn{fd: fd}, nil
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

func unlinkPath(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}
