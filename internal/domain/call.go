package domain

// CallStatus is the lifecycle state of a voice call.
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallConnecting CallStatus = "connecting"
	CallActive     CallStatus = "active"
	CallEnded      CallStatus = "ended"
)

// CallDirection distinguishes calls we placed from calls we received.
type CallDirection string

const (
	CallIncoming CallDirection = "incoming"
	CallOutgoing CallDirection = "outgoing"
)

// CallRecord is the signaling state of one call as reported by the worker.
type CallRecord struct {
	CallID    string        `json:"call_id"`
	PeerID    string        `json:"peer_id"`
	Status    CallStatus    `json:"status"`
	Direction CallDirection `json:"direction,omitempty"`
}

// callTransitions lists the legal forward moves of the call state machine.
var callTransitions = map[CallStatus][]CallStatus{
	CallRinging:    {CallConnecting, CallEnded},
	CallConnecting: {CallActive, CallEnded},
	CallActive:     {CallEnded},
}

// CanTransition reports whether a call may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to CallStatus) bool {
	if from == to {
		return true
	}
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
