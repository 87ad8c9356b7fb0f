// Command whisperlink runs the WhisperLink client core headless: it
// supervises the worker process, keeps local state in sync and exposes the
// messenger actions on a line console.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "whisperlink: %v\n", err)
		os.Exit(1)
	}
}
