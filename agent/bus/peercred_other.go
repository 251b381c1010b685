//go:build !linux

package bus

import (
	"errors"
	"net"
)

type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

func peerCredentials(c *net.UnixConn) (Credentials, error) {
	return Credentials{}, errors.New("peer credentials are not supported on this platform")
}
