// Package bridge implements the framing and correlation layer between the
// client and the worker process: newline-delimited JSON records over a byte
// stream, with every request tagged by a monotonically increasing identifier
// that the worker echoes back.
package bridge
