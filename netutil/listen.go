package netutil

import (
	"net"
	"os"
	"strings"
)

// Listen is net.Listen, plus automatic recovery from a stale unix socket
// left behind by a device-server process that crashed without removing
// it: if binding the device or debug RPC listener fails because the
// address is already in use but nothing is actually listening there, the
// stale socket file is removed and the bind retried.
func Listen(network string, address string) (net.Listener, error) {
	if network != "unix" {
		listener, err := net.Listen(network, address)
		if err != nil {
			return nil, errorf("Listen", "%s!%s: %v", network, address, err)
		}
		return listener, nil
	}
	listener, err := net.Listen(network, address)
	if err != nil && strings.HasSuffix(err.Error(), "bind: address already in use") && !reachable(address) {
		_ = os.Remove(address)
		listener, err = net.Listen(network, address)
	}
	if err != nil {
		return nil, errorf("Listen", "%s!%s: %v", network, address, err)
	}
	return listener, nil
}

func reachable(pathname string) bool {
	conn, err := net.Dial("unix", pathname)
	if conn != nil {
		defer func() { _ = conn.Close() }()
	}
	if err == nil {
		return true
	}
	return !strings.HasSuffix(err.Error(), "connect: connection refused")
}
