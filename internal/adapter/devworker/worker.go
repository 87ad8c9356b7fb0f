// Package devworker is an in-memory worker that speaks the bridge protocol.
// It implements the full command surface without cryptography or
// networking, so the client can be developed and tested without the real
// worker. Peers are simulated through the Inject* methods.
package devworker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"whisperlink/internal/domain"
)

// Banner is the non-protocol line printed before the first response.
const Banner = "WhisperLink dev worker started"

const defaultServerPort = 9001

type account struct {
	user     domain.User
	password string
}

type handlerFunc func(w *Worker, args map[string]any) (map[string]any, error)

// Worker holds all state of one simulated worker process.
type Worker struct {
	mu    sync.Mutex
	now   func() time.Time
	seq   int
	users map[string]*account // by username

	current  *domain.User
	contacts map[string]map[string]domain.Contact // owner user ID, then username

	connections  map[string]domain.Connection
	serverPort   int
	tunnels      map[int]string
	pending      []domain.Envelope
	outbox       []domain.Envelope
	groups       map[string]domain.Group
	pendingCalls map[string]domain.CallRecord
	activeCalls  map[string]domain.CallRecord
}

// New creates an empty worker.
func New() *Worker {
	return &Worker{
		now:          time.Now,
		users:        make(map[string]*account),
		contacts:     make(map[string]map[string]domain.Contact),
		connections:  make(map[string]domain.Connection),
		tunnels:      make(map[int]string),
		groups:       make(map[string]domain.Group),
		pendingCalls: make(map[string]domain.CallRecord),
		activeCalls:  make(map[string]domain.CallRecord),
	}
}

// userError is a business failure reported as success:false.
type userError string

func (e userError) Error() string { return string(e) }

const errNotLoggedIn = userError("Not logged in")

var handlers = map[string]handlerFunc{
	domain.CmdPing:           (*Worker).ping,
	domain.CmdRegisterUser:   (*Worker).registerUser,
	domain.CmdLoginUser:      (*Worker).loginUser,
	domain.CmdLogoutUser:     (*Worker).logoutUser,
	domain.CmdGetCurrentUser: (*Worker).getCurrentUser,

	domain.CmdGetContacts:   authed((*Worker).getContacts),
	domain.CmdAddContact:    authed((*Worker).addContact),
	domain.CmdRemoveContact: authed((*Worker).removeContact),

	domain.CmdGetConnections: authed((*Worker).getConnections),
	domain.CmdConnectToPeer:  authed((*Worker).connectToPeer),
	domain.CmdDisconnectPeer: authed((*Worker).disconnectPeer),

	domain.CmdStartServer:       authed((*Worker).startServer),
	domain.CmdStopServer:        authed((*Worker).stopServer),
	domain.CmdCreateTunnel:      authed((*Worker).createTunnel),
	domain.CmdCloseTunnel:       authed((*Worker).closeTunnel),
	domain.CmdGetConnectionInfo: authed((*Worker).getConnectionInfo),

	domain.CmdSendMessage:        authed((*Worker).sendMessage),
	domain.CmdGetPendingMessages: authed((*Worker).getPendingMessages),

	domain.CmdGetGroups:        authed((*Worker).getGroups),
	domain.CmdCreateGroup:      authed((*Worker).createGroup),
	domain.CmdSendGroupMessage: authed((*Worker).sendGroupMessage),

	domain.CmdStartVoiceCall:  authed((*Worker).startVoiceCall),
	domain.CmdAcceptVoiceCall: authed((*Worker).acceptVoiceCall),
	domain.CmdRejectVoiceCall: authed((*Worker).rejectVoiceCall),
	domain.CmdEndVoiceCall:    authed((*Worker).endVoiceCall),
	domain.CmdGetPendingCalls: authed((*Worker).getPendingCalls),
	domain.CmdGetActiveCalls:  authed((*Worker).getActiveCalls),
}

func authed(h handlerFunc) handlerFunc {
	return func(w *Worker, args map[string]any) (map[string]any, error) {
		if w.current == nil {
			return nil, errNotLoggedIn
		}
		return h(w, args)
	}
}

// Commands returns the names of every supported command, sorted.
func Commands() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle executes one request and returns the flat response object,
// echoing the request ID.
func (w *Worker) Handle(req domain.Request) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out map[string]any
	h, ok := handlers[req.Command]
	if !ok {
		out = failure(fmt.Sprintf("Unknown command: %s", req.Command))
	} else if payload, err := h(w, req.Args); err != nil {
		out = failure(err.Error())
	} else {
		out = map[string]any{"success": true}
		for k, v := range payload {
			out[k] = v
		}
	}
	if req.ID != 0 {
		out["id"] = req.ID
	}
	return out
}

func failure(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

func (w *Worker) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

func (w *Worker) timestamp() string {
	return w.now().UTC().Format(time.RFC3339)
}

func (w *Worker) ping(map[string]any) (map[string]any, error) {
	return map[string]any{"message": "pong"}, nil
}

func (w *Worker) registerUser(args map[string]any) (map[string]any, error) {
	username, password := stringArg(args, "username"), stringArg(args, "password")
	if username == "" || password == "" {
		return nil, userError("Username and password required")
	}
	if _, exists := w.users[username]; exists {
		return nil, userError("Username already exists")
	}
	user := domain.User{
		UserID:    w.nextID("user"),
		Username:  username,
		PublicKey: "dev-key-" + username,
		CreatedAt: w.timestamp(),
	}
	w.users[username] = &account{user: user, password: password}
	return map[string]any{"user_id": user.UserID}, nil
}

func (w *Worker) loginUser(args map[string]any) (map[string]any, error) {
	username, password := stringArg(args, "username"), stringArg(args, "password")
	if username == "" || password == "" {
		return nil, userError("Username and password required")
	}
	acct, ok := w.users[username]
	if !ok || acct.password != password {
		return nil, userError("Invalid credentials")
	}
	acct.user.LastLogin = w.timestamp()
	user := acct.user
	w.current = &user
	return map[string]any{"user": user}, nil
}

func (w *Worker) logoutUser(map[string]any) (map[string]any, error) {
	w.current = nil
	w.connections = make(map[string]domain.Connection)
	w.pending = nil
	w.pendingCalls = make(map[string]domain.CallRecord)
	w.activeCalls = make(map[string]domain.CallRecord)
	return nil, nil
}

func (w *Worker) getCurrentUser(map[string]any) (map[string]any, error) {
	if w.current == nil {
		return nil, userError("No user logged in")
	}
	return map[string]any{"user": *w.current}, nil
}

func (w *Worker) getContacts(map[string]any) (map[string]any, error) {
	book := w.contacts[w.current.UserID]
	list := make([]domain.Contact, 0, len(book))
	for _, c := range book {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	return map[string]any{"contacts": list}, nil
}

func (w *Worker) addContact(args map[string]any) (map[string]any, error) {
	username, publicKey := stringArg(args, "username"), stringArg(args, "public_key")
	if username == "" || publicKey == "" {
		return nil, userError("Username and public key required")
	}
	connType := stringArg(args, "connection_type")
	if connType == "" {
		connType = "direct"
	}
	book := w.contacts[w.current.UserID]
	if book == nil {
		book = make(map[string]domain.Contact)
		w.contacts[w.current.UserID] = book
	}
	if _, exists := book[username]; exists {
		return nil, userError(fmt.Sprintf("Contact %s already exists", username))
	}
	c := domain.Contact{
		UserID:         w.nextID("contact"),
		Username:       username,
		PublicKey:      publicKey,
		ConnectionType: connType,
		Address:        stringArg(args, "address"),
		TunnelURL:      stringArg(args, "tunnel_url"),
		AddedAt:        w.timestamp(),
	}
	book[username] = c
	return map[string]any{"contact_id": c.UserID}, nil
}

func (w *Worker) removeContact(args map[string]any) (map[string]any, error) {
	username := stringArg(args, "username")
	if username == "" {
		return nil, userError("Contact username required")
	}
	book := w.contacts[w.current.UserID]
	if _, ok := book[username]; !ok {
		return nil, userError(fmt.Sprintf("Contact %s not found", username))
	}
	delete(book, username)
	return nil, nil
}

func (w *Worker) getConnections(map[string]any) (map[string]any, error) {
	list := make([]domain.Connection, 0, len(w.connections))
	for _, c := range w.connections {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PeerID < list[j].PeerID })
	return map[string]any{"connections": list}, nil
}

func (w *Worker) connectToPeer(args map[string]any) (map[string]any, error) {
	peer := stringArg(args, "peer_username")
	if peer == "" {
		return nil, userError("Peer username required")
	}
	w.connectLocked(peer)
	return map[string]any{"message": fmt.Sprintf("Connected to %s", peer)}, nil
}

func (w *Worker) connectLocked(peer string) {
	if _, ok := w.connections[peer]; ok {
		return
	}
	w.connections[peer] = domain.Connection{
		PeerID:      peer,
		Status:      domain.ConnectionConnected,
		ConnectedAt: w.now().UTC(),
	}
}

func (w *Worker) disconnectPeer(args map[string]any) (map[string]any, error) {
	peer := stringArg(args, "peer_username")
	if peer == "" {
		return nil, userError("Peer username required")
	}
	if _, ok := w.connections[peer]; !ok {
		return nil, userError(fmt.Sprintf("Not connected to %s", peer))
	}
	delete(w.connections, peer)
	return map[string]any{"message": fmt.Sprintf("Disconnected from %s", peer)}, nil
}

func (w *Worker) startServer(args map[string]any) (map[string]any, error) {
	port := intArg(args, "port", defaultServerPort)
	if port <= 0 || port > 65535 {
		return nil, userError(fmt.Sprintf("Invalid port %d", port))
	}
	if w.serverPort != 0 {
		return nil, userError(fmt.Sprintf("Server already running on port %d", w.serverPort))
	}
	w.serverPort = port
	return map[string]any{"message": fmt.Sprintf("Server started on port %d", port)}, nil
}

func (w *Worker) stopServer(map[string]any) (map[string]any, error) {
	if w.serverPort == 0 {
		return nil, userError("Server is not running")
	}
	port := w.serverPort
	w.serverPort = 0
	return map[string]any{"message": fmt.Sprintf("Server on port %d stopped", port)}, nil
}

func (w *Worker) createTunnel(args map[string]any) (map[string]any, error) {
	port := intArg(args, "port", w.serverPort)
	if port <= 0 {
		return nil, userError("Port required")
	}
	if url, ok := w.tunnels[port]; ok {
		return map[string]any{"tunnel_url": url}, nil
	}
	url := fmt.Sprintf("wss://dev-%d.tunnel.invalid", port)
	w.tunnels[port] = url
	return map[string]any{"tunnel_url": url}, nil
}

func (w *Worker) closeTunnel(args map[string]any) (map[string]any, error) {
	port := intArg(args, "port", 0)
	if _, ok := w.tunnels[port]; !ok {
		return nil, userError(fmt.Sprintf("No tunnel on port %d", port))
	}
	delete(w.tunnels, port)
	return map[string]any{"message": fmt.Sprintf("Tunnel on port %d closed", port)}, nil
}

func (w *Worker) getConnectionInfo(map[string]any) (map[string]any, error) {
	tunnels := make([]string, 0, len(w.tunnels))
	for _, url := range w.tunnels {
		tunnels = append(tunnels, url)
	}
	sort.Strings(tunnels)
	return map[string]any{
		"server_running": w.serverPort != 0,
		"port":           w.serverPort,
		"tunnels":        tunnels,
		"connections":    len(w.connections),
		"username":       w.current.Username,
		"public_key":     w.current.PublicKey,
	}, nil
}

func (w *Worker) sendMessage(args map[string]any) (map[string]any, error) {
	peer, body := stringArg(args, "peer_username"), stringArg(args, "message")
	if peer == "" || body == "" {
		return nil, userError("Peer username and message required")
	}
	w.outbox = append(w.outbox, domain.Envelope{PeerID: peer, Body: body, Timestamp: w.now().UTC()})
	return map[string]any{"message": "Message sent"}, nil
}

func (w *Worker) getPendingMessages(map[string]any) (map[string]any, error) {
	msgs := w.pending
	w.pending = nil
	if msgs == nil {
		msgs = []domain.Envelope{}
	}
	return map[string]any{"messages": msgs}, nil
}

func (w *Worker) getGroups(map[string]any) (map[string]any, error) {
	list := make([]domain.Group, 0, len(w.groups))
	for _, g := range w.groups {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].GroupID < list[j].GroupID })
	return map[string]any{"groups": list}, nil
}

func (w *Worker) createGroup(args map[string]any) (map[string]any, error) {
	name := stringArg(args, "name")
	if name == "" {
		return nil, userError("Group name required")
	}
	g := domain.Group{
		GroupID:     w.nextID("group"),
		Name:        name,
		Members:     stringsArg(args, "members"),
		Description: stringArg(args, "description"),
		CreatedAt:   w.timestamp(),
	}
	w.groups[g.GroupID] = g
	return map[string]any{"group_id": g.GroupID}, nil
}

func (w *Worker) sendGroupMessage(args map[string]any) (map[string]any, error) {
	groupID, body := stringArg(args, "group_id"), stringArg(args, "message")
	if groupID == "" || body == "" {
		return nil, userError("Group ID and message required")
	}
	if _, ok := w.groups[groupID]; !ok {
		return nil, userError(fmt.Sprintf("Group %s not found", groupID))
	}
	w.outbox = append(w.outbox, domain.Envelope{
		PeerID:    w.current.Username,
		IsGroup:   true,
		GroupID:   groupID,
		Body:      body,
		Timestamp: w.now().UTC(),
	})
	return map[string]any{"message": "Message sent"}, nil
}

func (w *Worker) startVoiceCall(args map[string]any) (map[string]any, error) {
	peer := stringArg(args, "peer_username")
	if peer == "" {
		return nil, userError("Peer username required")
	}
	id := w.nextID("call")
	w.activeCalls[id] = domain.CallRecord{
		CallID:    id,
		PeerID:    peer,
		Status:    domain.CallConnecting,
		Direction: domain.CallOutgoing,
	}
	return map[string]any{"call_id": id}, nil
}

func (w *Worker) acceptVoiceCall(args map[string]any) (map[string]any, error) {
	id := stringArg(args, "call_id")
	rec, ok := w.pendingCalls[id]
	if !ok {
		return nil, userError(fmt.Sprintf("Call %s not found", id))
	}
	delete(w.pendingCalls, id)
	rec.Status = domain.CallActive
	w.activeCalls[id] = rec
	return map[string]any{"call_id": id}, nil
}

func (w *Worker) rejectVoiceCall(args map[string]any) (map[string]any, error) {
	id := stringArg(args, "call_id")
	if _, ok := w.pendingCalls[id]; !ok {
		return nil, userError(fmt.Sprintf("Call %s not found", id))
	}
	delete(w.pendingCalls, id)
	return nil, nil
}

func (w *Worker) endVoiceCall(args map[string]any) (map[string]any, error) {
	id := stringArg(args, "call_id")
	if _, ok := w.activeCalls[id]; !ok {
		return nil, userError(fmt.Sprintf("Call %s not found", id))
	}
	delete(w.activeCalls, id)
	return nil, nil
}

func (w *Worker) getPendingCalls(map[string]any) (map[string]any, error) {
	return map[string]any{"calls": sortedCalls(w.pendingCalls)}, nil
}

func (w *Worker) getActiveCalls(map[string]any) (map[string]any, error) {
	return map[string]any{"calls": sortedCalls(w.activeCalls)}, nil
}

func sortedCalls(m map[string]domain.CallRecord) []domain.CallRecord {
	list := make([]domain.CallRecord, 0, len(m))
	for _, rec := range m {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CallID < list[j].CallID })
	return list
}

// InjectMessage queues a direct message from peer, as if it arrived over
// the network. The peer is marked connected.
func (w *Worker) InjectMessage(peer, body string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connectLocked(peer)
	w.pending = append(w.pending, domain.Envelope{PeerID: peer, Body: body, Timestamp: w.now().UTC()})
}

// InjectGroupMessage queues a group message from peer.
func (w *Worker) InjectGroupMessage(groupID, peer, body string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, domain.Envelope{
		PeerID:    peer,
		IsGroup:   true,
		GroupID:   groupID,
		Body:      body,
		Timestamp: w.now().UTC(),
	})
}

// InjectConnection marks peer as connected.
func (w *Worker) InjectConnection(peer string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connectLocked(peer)
}

// InjectCall rings an incoming call from peer and returns its ID.
func (w *Worker) InjectCall(peer string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID("call")
	w.pendingCalls[id] = domain.CallRecord{
		CallID:    id,
		PeerID:    peer,
		Status:    domain.CallRinging,
		Direction: domain.CallIncoming,
	}
	return id
}

// SetActive moves a known call to active, as when media starts flowing.
func (w *Worker) SetActive(callID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.activeCalls[callID]
	if !ok {
		if rec, ok = w.pendingCalls[callID]; !ok {
			return false
		}
		delete(w.pendingCalls, callID)
	}
	rec.Status = domain.CallActive
	w.activeCalls[callID] = rec
	return true
}

// Outbox returns the messages sent by the client so far.
func (w *Worker) Outbox() []domain.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Envelope(nil), w.outbox...)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

// intArg reads a JSON number or numeric string.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}
