//go:build !windows

package supervisor

import (
	"os"
	"syscall"
)

// terminate asks the worker to exit gracefully.
func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
