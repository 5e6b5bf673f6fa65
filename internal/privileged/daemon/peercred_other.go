//go:build !linux

package daemon

import (
	"errors"
	"net"
)

func peerUID(conn *net.UnixConn) (int, error) {
	return -1, errors.New("peer credentials unsupported on this platform")
}
