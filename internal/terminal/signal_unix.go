//go:build !windows

package terminal

import (
	"os"
	"syscall"
)

func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
