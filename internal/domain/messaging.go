package domain

import "time"

// ConnectionStatus is the state of a peer connection as reported by the worker.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Connection mirrors one peer connection owned by the worker.
type Connection struct {
	PeerID      string           `json:"peer_id"`
	Status      ConnectionStatus `json:"status"`
	ConnectedAt time.Time        `json:"connected_at"`
}

// Envelope is one unit of message data, either drained from the worker's
// pending queue or produced locally by a send.
type Envelope struct {
	PeerID    string    `json:"peer_id"`
	IsGroup   bool      `json:"is_group"`
	GroupID   string    `json:"group_id,omitempty"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the conversation the envelope belongs to.
func (e Envelope) Key() ConversationKey {
	if e.IsGroup && e.GroupID != "" {
		return GroupConversation(e.GroupID)
	}
	return DirectConversation(e.PeerID)
}

// ConversationKey addresses a direct (peer) or group conversation.
type ConversationKey struct {
	Group bool
	ID    string
}

// DirectConversation returns the key for a one-to-one conversation.
func DirectConversation(peerID string) ConversationKey {
	return ConversationKey{ID: peerID}
}

// GroupConversation returns the key for a group conversation.
func GroupConversation(groupID string) ConversationKey {
	return ConversationKey{Group: true, ID: groupID}
}

func (k ConversationKey) String() string {
	if k.Group {
		return "group:" + k.ID
	}
	return "peer:" + k.ID
}

// Direction tags a history entry as sent or received.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// HistoryEntry is one materialized message in a conversation. Seq is a
// process-lifetime sequence, not a durable de-duplication key.
type HistoryEntry struct {
	Seq       uint64    `json:"seq"`
	Direction Direction `json:"direction"`
	Envelope  Envelope  `json:"envelope"`
}

// User is the account currently logged in to the worker.
type User struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
	CreatedAt string `json:"created_at"`
	LastLogin string `json:"last_login,omitempty"`
}

// Contact is an address-book entry held by the worker.
type Contact struct {
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	PublicKey      string `json:"public_key"`
	ConnectionType string `json:"connection_type"`
	Address        string `json:"address,omitempty"`
	TunnelURL      string `json:"tunnel_url,omitempty"`
	AddedAt        string `json:"added_at,omitempty"`
	LastSeen       string `json:"last_seen,omitempty"`
}

// Group is a named set of peers.
type Group struct {
	GroupID     string   `json:"group_id"`
	Name        string   `json:"name"`
	Members     []string `json:"members"`
	Description string   `json:"description,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
}

// ConnectionInfo summarizes the worker's listening server and tunnels.
type ConnectionInfo struct {
	ServerRunning bool     `json:"server_running"`
	Port          int      `json:"port"`
	Tunnels       []string `json:"tunnels"`
	Connections   int      `json:"connections"`
	Username      string   `json:"username,omitempty"`
	PublicKey     string   `json:"public_key,omitempty"`
}
