package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"whisperlink/internal/domain"
	"whisperlink/internal/usecase/calls"
	"whisperlink/internal/usecase/syncengine"
)

// WorkerSupervisor controls the worker process lifecycle.
type WorkerSupervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) domain.RestartResult
	Running() bool
}

// Commander sends commands to the worker.
type Commander interface {
	Call(ctx context.Context, name string, args map[string]any) (*domain.Response, error)
	Probe(ctx context.Context, name string, args map[string]any) (*domain.Response, error)
	Do(ctx context.Context, name string, args map[string]any) (*domain.Response, error)
}

// SessionSync is the polling side of a session.
type SessionSync interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	TriggerRefresh()
	Tick(ctx context.Context) error
}

// MessengerDeps holds the collaborators of a Messenger.
type MessengerDeps struct {
	Supervisor WorkerSupervisor
	Commands   Commander
	Sync       SessionSync
	Store      *syncengine.Store
	Calls      *calls.Tracker
	Notifier   domain.Notifier // optional, nil = no notifications
	Bus        domain.EventBus // optional, nil = no events
	Logger     *slog.Logger
}

// ContactRequest describes a contact to add.
type ContactRequest struct {
	Username       string
	PublicKey      string
	ConnectionType string // "direct" (default) or "tunnel"
	Address        string
	TunnelURL      string
}

// PeerAddress is where to reach a peer. Either Host and Port or WSURL is set.
type PeerAddress struct {
	Username string
	Host     string
	Port     int
	WSURL    string
}

// Messenger is the application facade: it ties the worker lifecycle to the
// session lifecycle and turns user actions into worker commands.
type Messenger struct {
	deps MessengerDeps

	// base outlives request contexts; session loops run under it.
	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	user      *domain.User
	sessionID string
}

// NewMessenger creates a Messenger. Nothing is started until Boot or Login.
func NewMessenger(deps MessengerDeps) *Messenger {
	base, cancel := context.WithCancel(context.Background())
	return &Messenger{deps: deps, base: base, cancelBase: cancel}
}

// Boot starts the worker and probes for an existing login. If the worker is
// unavailable or unreachable it is restarted once and probed again. Probe
// failures are never surfaced: they mean "not logged in". It returns the
// logged-in user, if any.
func (m *Messenger) Boot(ctx context.Context) (domain.User, bool) {
	if err := m.deps.Supervisor.Start(ctx); err != nil {
		m.deps.Logger.Error("worker start failed", "error", err)
	}

	user, err := m.probeUser(ctx)
	if errors.Is(err, domain.ErrWorkerUnavailable) || errors.Is(err, domain.ErrUnreachable) {
		m.deps.Logger.Warn("worker not answering at startup, restarting once", "error", err)
		res := m.deps.Supervisor.Restart(ctx)
		if !res.Success {
			m.deps.Logger.Warn("startup restart failed", "message", res.Message)
		}
		user, err = m.probeUser(ctx)
	}
	if err != nil {
		m.deps.Logger.Debug("no session at startup", "error", err)
		return domain.User{}, false
	}

	m.openSession(user)
	return user, true
}

func (m *Messenger) probeUser(ctx context.Context) (domain.User, error) {
	resp, err := m.deps.Commands.Probe(ctx, domain.CmdGetCurrentUser, nil)
	if err != nil {
		return domain.User{}, err
	}
	if !resp.Success {
		return domain.User{}, domain.NewDomainError("Messenger.Boot", domain.ErrNotLoggedIn, resp.Error)
	}
	var user domain.User
	if err := resp.Decode("user", &user); err != nil {
		return domain.User{}, domain.NewSubSystemError("messenger", "Messenger.Boot", domain.ErrProtocol, err.Error())
	}
	if user.Username == "" {
		return domain.User{}, domain.NewDomainError("Messenger.Boot", domain.ErrNotLoggedIn, "empty user")
	}
	return user, nil
}

// openSession records user and starts polling. Opening a session for the
// user already logged in is a no-op.
func (m *Messenger) openSession(user domain.User) {
	m.mu.Lock()
	if m.user != nil && m.user.UserID == user.UserID {
		m.mu.Unlock()
		return
	}
	prev := m.user != nil
	m.mu.Unlock()
	if prev {
		m.closeSession()
	}

	now := time.Now()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)).String()

	m.mu.Lock()
	m.user = &user
	m.sessionID = id
	m.mu.Unlock()

	if err := m.deps.Sync.Start(m.base); err != nil {
		m.deps.Logger.Error("sync engine start failed", "error", err)
	}
	m.deps.Logger.Info("session opened", "session_id", id, "username", user.Username)
	m.emitEvent(domain.EventSessionOpened, user)
}

// closeSession stops polling and forgets session state.
func (m *Messenger) closeSession() {
	m.mu.Lock()
	user := m.user
	m.mu.Unlock()
	if user == nil {
		return
	}

	m.deps.Sync.Stop()
	m.deps.Store.Reset()
	m.deps.Calls.Reset()

	m.emitEvent(domain.EventSessionClosed, user)
	m.mu.Lock()
	id := m.sessionID
	m.user = nil
	m.sessionID = ""
	m.mu.Unlock()
	m.deps.Logger.Info("session closed", "session_id", id, "username", user.Username)
}

// CurrentUser returns the user of the open session.
func (m *Messenger) CurrentUser() (domain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return domain.User{}, false
	}
	return *m.user, true
}

// SessionID returns the ID of the open session, or "".
func (m *Messenger) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Register creates an account and returns its user ID.
func (m *Messenger) Register(ctx context.Context, username, password string) (string, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return "", m.invalid("Register", "username and password are required")
	}
	resp, err := m.do(ctx, "Register", domain.CmdRegisterUser, map[string]any{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	m.notify("Registration successful", domain.SeveritySuccess)
	return resp.String("user_id"), nil
}

// Login authenticates and opens a session.
func (m *Messenger) Login(ctx context.Context, username, password string) (domain.User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return domain.User{}, m.invalid("Login", "username and password are required")
	}
	resp, err := m.do(ctx, "Login", domain.CmdLoginUser, map[string]any{
		"username": username,
		"password": password,
	})
	if err != nil {
		return domain.User{}, err
	}
	var user domain.User
	if err := resp.Decode("user", &user); err != nil {
		return domain.User{}, m.protocolFailure("Login", err)
	}
	m.openSession(user)
	return user, nil
}

// Logout ends the session. Local session state is dropped even when the
// worker reports a failure.
func (m *Messenger) Logout(ctx context.Context) error {
	_, err := m.do(ctx, "Logout", domain.CmdLogoutUser, nil)
	m.closeSession()
	return err
}

// Contacts fetches the contact list and updates the local mirror.
func (m *Messenger) Contacts(ctx context.Context) ([]domain.Contact, error) {
	resp, err := m.do(ctx, "Load contacts", domain.CmdGetContacts, nil)
	if err != nil {
		return nil, err
	}
	var contacts []domain.Contact
	if err := resp.Decode("contacts", &contacts); err != nil {
		return nil, m.protocolFailure("Load contacts", err)
	}
	m.deps.Store.SetContacts(contacts)
	return contacts, nil
}

// AddContact adds an address-book entry and returns its ID.
func (m *Messenger) AddContact(ctx context.Context, req ContactRequest) (string, error) {
	if req.Username == "" || req.PublicKey == "" {
		return "", m.invalid("Add contact", "username and public key are required")
	}
	if req.ConnectionType == "" {
		req.ConnectionType = "direct"
	}
	args := map[string]any{
		"username":        req.Username,
		"public_key":      req.PublicKey,
		"connection_type": req.ConnectionType,
	}
	if req.Address != "" {
		args["address"] = req.Address
	}
	if req.TunnelURL != "" {
		args["tunnel_url"] = req.TunnelURL
	}
	resp, err := m.do(ctx, "Add contact", domain.CmdAddContact, args)
	if err != nil {
		return "", err
	}
	m.deps.Sync.TriggerRefresh()
	m.notify(fmt.Sprintf("Contact %s added", req.Username), domain.SeveritySuccess)
	return resp.String("contact_id"), nil
}

// RemoveContact deletes an address-book entry.
func (m *Messenger) RemoveContact(ctx context.Context, username string) error {
	if username == "" {
		return m.invalid("Remove contact", "username is required")
	}
	if _, err := m.do(ctx, "Remove contact", domain.CmdRemoveContact, map[string]any{"username": username}); err != nil {
		return err
	}
	m.deps.Sync.TriggerRefresh()
	return nil
}

// ConnectToPeer asks the worker to open a connection to a peer.
func (m *Messenger) ConnectToPeer(ctx context.Context, addr PeerAddress) error {
	if addr.Username == "" {
		return m.invalid("Connect", "peer username is required")
	}
	if addr.WSURL == "" && (addr.Host == "" || addr.Port <= 0) {
		return m.invalid("Connect", "host and port or a websocket URL is required")
	}
	args := map[string]any{"peer_username": addr.Username}
	if addr.WSURL != "" {
		args["ws_url"] = addr.WSURL
	} else {
		args["host"] = addr.Host
		args["port"] = addr.Port
	}
	if _, err := m.do(ctx, "Connect", domain.CmdConnectToPeer, args); err != nil {
		return err
	}
	m.deps.Sync.TriggerRefresh()
	return nil
}

// DisconnectPeer closes the connection to a peer.
func (m *Messenger) DisconnectPeer(ctx context.Context, peer string) error {
	if peer == "" {
		return m.invalid("Disconnect", "peer username is required")
	}
	if _, err := m.do(ctx, "Disconnect", domain.CmdDisconnectPeer, map[string]any{"peer_username": peer}); err != nil {
		return err
	}
	m.deps.Sync.TriggerRefresh()
	return nil
}

// Connections returns the locally mirrored connection set.
func (m *Messenger) Connections() []domain.Connection {
	return m.deps.Store.Connections()
}

// StartServer starts the worker's listening server. A port of zero lets the
// worker pick its default.
func (m *Messenger) StartServer(ctx context.Context, port int) error {
	var args map[string]any
	if port > 0 {
		args = map[string]any{"port": port}
	}
	resp, err := m.do(ctx, "Start server", domain.CmdStartServer, args)
	if err != nil {
		return err
	}
	m.notify(resp.String("message"), domain.SeveritySuccess)
	return nil
}

// StopServer stops the worker's listening server.
func (m *Messenger) StopServer(ctx context.Context) error {
	_, err := m.do(ctx, "Stop server", domain.CmdStopServer, nil)
	return err
}

// CreateTunnel exposes port through a tunnel and returns the public URL.
func (m *Messenger) CreateTunnel(ctx context.Context, port int) (string, error) {
	var args map[string]any
	if port > 0 {
		args = map[string]any{"port": port}
	}
	resp, err := m.do(ctx, "Create tunnel", domain.CmdCreateTunnel, args)
	if err != nil {
		return "", err
	}
	return resp.String("tunnel_url"), nil
}

// CloseTunnel closes the tunnel for port.
func (m *Messenger) CloseTunnel(ctx context.Context, port int) error {
	_, err := m.do(ctx, "Close tunnel", domain.CmdCloseTunnel, map[string]any{"port": port})
	return err
}

// ConnectionInfo reports the worker's server and tunnel state.
func (m *Messenger) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	resp, err := m.do(ctx, "Connection info", domain.CmdGetConnectionInfo, nil)
	if err != nil {
		return domain.ConnectionInfo{}, err
	}
	var info domain.ConnectionInfo
	data, err := json.Marshal(resp.Payload)
	if err == nil {
		err = json.Unmarshal(data, &info)
	}
	if err != nil {
		return domain.ConnectionInfo{}, m.protocolFailure("Connection info", err)
	}
	return info, nil
}

// SendMessage sends body to peer. On success the message is recorded in
// the peer's history.
func (m *Messenger) SendMessage(ctx context.Context, peer, body string) (domain.HistoryEntry, error) {
	if peer == "" || strings.TrimSpace(body) == "" {
		return domain.HistoryEntry{}, m.invalid("Send message", "peer and message are required")
	}
	if _, err := m.do(ctx, "Send message", domain.CmdSendMessage, map[string]any{
		"peer_username": peer,
		"message":       body,
	}); err != nil {
		return domain.HistoryEntry{}, err
	}
	entry := m.deps.Store.AppendSent(domain.Envelope{PeerID: peer, Body: body, Timestamp: time.Now()})
	m.emitEvent(domain.EventMessageSent, entry)
	return entry, nil
}

// SendGroupMessage sends body to a group.
func (m *Messenger) SendGroupMessage(ctx context.Context, groupID, body string) (domain.HistoryEntry, error) {
	if groupID == "" || strings.TrimSpace(body) == "" {
		return domain.HistoryEntry{}, m.invalid("Send group message", "group and message are required")
	}
	if _, err := m.do(ctx, "Send group message", domain.CmdSendGroupMessage, map[string]any{
		"group_id": groupID,
		"message":  body,
	}); err != nil {
		return domain.HistoryEntry{}, err
	}
	var from string
	if user, ok := m.CurrentUser(); ok {
		from = user.Username
	}
	entry := m.deps.Store.AppendSent(domain.Envelope{
		PeerID:    from,
		IsGroup:   true,
		GroupID:   groupID,
		Body:      body,
		Timestamp: time.Now(),
	})
	m.emitEvent(domain.EventMessageSent, entry)
	return entry, nil
}

// Groups lists the groups known to the worker.
func (m *Messenger) Groups(ctx context.Context) ([]domain.Group, error) {
	resp, err := m.do(ctx, "Load groups", domain.CmdGetGroups, nil)
	if err != nil {
		return nil, err
	}
	var groups []domain.Group
	if err := resp.Decode("groups", &groups); err != nil {
		return nil, m.protocolFailure("Load groups", err)
	}
	return groups, nil
}

// CreateGroup creates a group and returns its ID.
func (m *Messenger) CreateGroup(ctx context.Context, name string, members []string, description string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", m.invalid("Create group", "group name is required")
	}
	resp, err := m.do(ctx, "Create group", domain.CmdCreateGroup, map[string]any{
		"name":        name,
		"members":     members,
		"description": description,
	})
	if err != nil {
		return "", err
	}
	m.notify(fmt.Sprintf("Group %s created", name), domain.SeveritySuccess)
	return resp.String("group_id"), nil
}

// History returns one conversation's messages in display order.
func (m *Messenger) History(key domain.ConversationKey) []domain.HistoryEntry {
	return m.deps.Store.History(key)
}

// Conversations lists the conversations with at least one message, most
// recently active first.
func (m *Messenger) Conversations() []domain.ConversationKey {
	return m.deps.Store.Conversations()
}

// SyncNow runs one poll of every query slot immediately. Without an open
// session nothing is polled.
func (m *Messenger) SyncNow(ctx context.Context) error {
	if !m.deps.Sync.Running() {
		err := domain.NewSubSystemError("messenger", "Messenger.SyncNow", domain.ErrNotLoggedIn, "no open session")
		m.fail("Sync", err)
		return err
	}
	return m.deps.Sync.Tick(ctx)
}

// StartCall places an outgoing voice call.
func (m *Messenger) StartCall(ctx context.Context, peer string) (domain.CallRecord, error) {
	rec, err := m.deps.Calls.Start(ctx, peer)
	if err != nil {
		m.fail("Start call", err)
		return domain.CallRecord{}, err
	}
	return rec, nil
}

// AcceptCall answers an incoming call.
func (m *Messenger) AcceptCall(ctx context.Context, callID string) error {
	if err := m.deps.Calls.Accept(ctx, callID); err != nil {
		m.fail("Accept call", err)
		return err
	}
	return nil
}

// RejectCall declines an incoming call.
func (m *Messenger) RejectCall(ctx context.Context, callID string) error {
	if err := m.deps.Calls.Reject(ctx, callID); err != nil {
		m.fail("Reject call", err)
		return err
	}
	return nil
}

// EndCall hangs up a call.
func (m *Messenger) EndCall(ctx context.Context, callID string) error {
	if err := m.deps.Calls.End(ctx, callID); err != nil {
		m.fail("End call", err)
		return err
	}
	return nil
}

// IncomingCalls returns calls awaiting an answer, oldest first.
func (m *Messenger) IncomingCalls() []domain.CallRecord {
	return m.deps.Calls.IncomingCalls()
}

// DisplayedCall returns the call shown to the user, if any.
func (m *Messenger) DisplayedCall() (domain.CallRecord, bool) {
	return m.deps.Calls.DisplayedCall()
}

// RestartWorkerBridge restarts the worker on user request. An open session
// keeps polling; queries fail fast until the new worker is live.
func (m *Messenger) RestartWorkerBridge(ctx context.Context) domain.RestartResult {
	res := m.deps.Supervisor.Restart(ctx)
	if res.Success {
		m.notify("Worker bridge restarted", domain.SeveritySuccess)
	} else {
		m.deps.Logger.Error("worker bridge restart failed", "message", res.Message)
		m.notify("Restart failed: "+res.Message, domain.SeverityError)
	}
	return res
}

// Shutdown closes the session and stops the worker. Called on application
// quit.
func (m *Messenger) Shutdown(ctx context.Context) error {
	m.closeSession()
	m.cancelBase()
	if err := m.deps.Supervisor.Stop(ctx); err != nil {
		return domain.WrapOp("Messenger.Shutdown", err)
	}
	return nil
}

// do sends a command, folding success:false into an error. Every failure
// raises an error notification.
func (m *Messenger) do(ctx context.Context, action, name string, args map[string]any) (*domain.Response, error) {
	resp, err := m.deps.Commands.Do(ctx, name, args)
	if err != nil {
		m.fail(action, err)
		return nil, domain.WrapOp("Messenger."+strings.ReplaceAll(action, " ", ""), err)
	}
	return resp, nil
}

func (m *Messenger) invalid(action, detail string) error {
	err := domain.NewSubSystemError("messenger", "Messenger."+strings.ReplaceAll(action, " ", ""), domain.ErrInvalidInput, detail)
	m.fail(action, err)
	return err
}

func (m *Messenger) protocolFailure(action string, cause error) error {
	err := domain.NewSubSystemError("messenger", "Messenger."+strings.ReplaceAll(action, " ", ""), domain.ErrProtocol, cause.Error())
	m.fail(action, err)
	return err
}

func (m *Messenger) fail(action string, err error) {
	m.deps.Logger.Warn("action failed", "action", action, "error", err)
	m.notify(fmt.Sprintf("%s failed: %s", action, userMessage(err)), domain.SeverityError)
}

// userMessage renders err for a notification.
func userMessage(err error) string {
	var remote *domain.RemoteError
	var derr *domain.DomainError
	switch {
	case errors.As(err, &remote) && remote.Message != "":
		return remote.Message
	case errors.Is(err, domain.ErrWorkerUnavailable):
		return "worker is not running"
	case errors.Is(err, domain.ErrTimeout):
		return "worker did not respond in time"
	case errors.Is(err, domain.ErrUnreachable):
		return "worker is unreachable"
	case errors.As(err, &derr) && derr.Detail != "":
		return derr.Detail
	default:
		return err.Error()
	}
}

func (m *Messenger) notify(message string, severity domain.Severity) {
	if m.deps.Notifier == nil || message == "" {
		return
	}
	m.deps.Notifier.Add(message, severity, 0)
}

func (m *Messenger) emitEvent(eventType domain.EventType, payload any) {
	if m.deps.Bus == nil {
		return
	}
	evt := domain.NewEvent(eventType, payload)
	evt.SessionID = m.SessionID()
	m.deps.Bus.Publish(m.base, evt)
}
