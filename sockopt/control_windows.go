//go:build windows

package sockopt

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/windows"
)

// ListenControl sets SO_REUSEADDR on a listening socket before bind.
func ListenControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("failed to access %s socket for %s: %w", network, address, err)
	}

	if sockErr != nil {
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", sockErr)
	}

	return nil
}
