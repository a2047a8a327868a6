//go:build unix

package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenControl sets SO_REUSEADDR on a listening socket before bind so a
// restarted relay can rebind while old connections sit in TIME_WAIT.
func ListenControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("failed to access %s socket for %s: %w", network, address, err)
	}

	if sockErr != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", sockErr)
	}

	return nil
}
