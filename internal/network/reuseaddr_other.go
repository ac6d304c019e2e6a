//go:build !linux && !darwin && !freebsd && !windows

package network

import "net"

// ReuseAddrListenConfig returns a plain net.ListenConfig.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
