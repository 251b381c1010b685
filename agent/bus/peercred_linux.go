//go:build linux

package bus

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Credentials identify the process on the other end of a connection, as recorded by the kernel at connect time.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

func peerCredentials(c *net.UnixConn) (Credentials, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return Credentials{}, err
	}
	var ucred *unix.Ucred
	var credErr error
	err = rc.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Credentials{}, err
	}
	if credErr != nil {
		return Credentials{}, fmt.Errorf("reading SO_PEERCRED: %w", credErr)
	}
	return Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
