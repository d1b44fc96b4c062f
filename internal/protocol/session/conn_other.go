//go:build !linux

package session

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("session: seqpacket control sockets require linux")

func acceptConn(int) (Conn, error) {
	return nil, errUnsupported
}

func listenSocket(string, int) (int, error) {
	return -1, errUnsupported
}

func dialSocket(string, bool) (Conn, error) {
	return nil, errUnsupported
}

func closeFd(int) error {
	return errUnsupported
}

func unlinkPath(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
