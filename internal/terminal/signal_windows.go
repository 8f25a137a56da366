//go:build windows

package terminal

import "os"

// Windows has no SIGTERM; Kill is the only reliable termination.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}
