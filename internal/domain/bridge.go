package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request is one command sent to the worker. ID is assigned by the bridge
// and echoed by the worker in its response.
type Request struct {
	ID      uint64         `json:"id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

// Response is one record emitted by the worker. The worker writes a flat
// object; id, success and error are lifted out and every other key is kept
// in Payload.
type Response struct {
	ID      uint64
	Success bool
	Error   string
	Payload map[string]json.RawMessage
}

// reserved response keys that never land in Payload.
const (
	respKeyID      = "id"
	respKeySuccess = "success"
	respKeyError   = "error"
)

// UnmarshalJSON decodes a flat worker record. A record without a "success"
// key is not a response.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("response is not an object")
	}
	successRaw, ok := raw[respKeySuccess]
	if !ok {
		return fmt.Errorf("response has no %q field", respKeySuccess)
	}
	var out Response
	if err := json.Unmarshal(successRaw, &out.Success); err != nil {
		return fmt.Errorf("response %q: %w", respKeySuccess, err)
	}
	if idRaw, ok := raw[respKeyID]; ok && string(idRaw) != "null" {
		if err := json.Unmarshal(idRaw, &out.ID); err != nil {
			return fmt.Errorf("response %q: %w", respKeyID, err)
		}
	}
	if errRaw, ok := raw[respKeyError]; ok && string(errRaw) != "null" {
		if err := json.Unmarshal(errRaw, &out.Error); err != nil {
			return fmt.Errorf("response %q: %w", respKeyError, err)
		}
	}
	delete(raw, respKeyID)
	delete(raw, respKeySuccess)
	delete(raw, respKeyError)
	out.Payload = raw
	*r = out
	return nil
}

// MarshalJSON flattens the response back into a single object.
func (r Response) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		flat[k] = v
	}
	if r.ID != 0 {
		flat[respKeyID] = r.ID
	}
	flat[respKeySuccess] = r.Success
	if r.Error != "" {
		flat[respKeyError] = r.Error
	}
	return json.Marshal(flat)
}

// Decode unmarshals one payload field into v. A missing field leaves v
// untouched and returns nil.
func (r *Response) Decode(key string, v any) error {
	raw, ok := r.Payload[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// String returns a payload field as a string, or "" when absent.
func (r *Response) String(key string) string {
	var s string
	_ = r.Decode(key, &s)
	return s
}

// Err returns a *RemoteError for a success:false response and nil otherwise.
func (r *Response) Err(command string) error {
	if r == nil || r.Success {
		return nil
	}
	return &RemoteError{Command: command, Message: r.Error}
}

// WorkerState is the lifecycle state of a worker process handle.
type WorkerState string

const (
	WorkerAbsent      WorkerState = "absent"
	WorkerStarting    WorkerState = "starting"
	WorkerRunning     WorkerState = "running"
	WorkerTerminating WorkerState = "terminating"
	WorkerExited      WorkerState = "exited"
	WorkerErrored     WorkerState = "errored"
)

// WorkerInfo is a snapshot of the current (or most recent) worker handle.
type WorkerInfo struct {
	ID        string      `json:"id"`
	PID       int         `json:"pid"`
	State     WorkerState `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	ExitCode  *int        `json:"exit_code,omitempty"`
}

// RestartResult is returned to the UI by a bridge restart.
type RestartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WorkerConn is one live Transport Channel to a worker process.
type WorkerConn interface {
	// Call sends a command and waits for its correlated response.
	Call(ctx context.Context, command string, args map[string]any) (*Response, error)
	// Close shuts the channel down, failing every pending call with cause.
	Close(cause error)
	// Done is closed once the channel has shut down.
	Done() <-chan struct{}
}
