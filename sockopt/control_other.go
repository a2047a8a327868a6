//go:build !unix && !windows

package sockopt

import "syscall"

// ListenControl is a no-op on platforms without SO_REUSEADDR support.
func ListenControl(network, address string, c syscall.RawConn) error {
	return nil
}
