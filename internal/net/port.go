package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort returns a TCP port on host that was free a moment ago.
func GetEphemeralTCPPort(host string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("resolving %s:0: %w", host, err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
