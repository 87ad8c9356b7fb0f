//go:build windows

package supervisor

import "os"

// terminate is a no-op on Windows, which has no SIGTERM. Closing the
// worker's stdin is the graceful request there; the kill after the grace
// period still applies.
func terminate(*os.Process) error {
	return nil
}
