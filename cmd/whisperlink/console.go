package main

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"whisperlink/internal/domain"
	"whisperlink/internal/usecase"
)

const consoleHelp = `commands:
  register <user> <password>       login <user> <password>      logout      whoami
  contacts                         add-contact <user> <public-key> [address]
  remove-contact <user>            peers
  connect <user> <host:port|ws-url>  disconnect <user>
  server start [port] | server stop    tunnel open [port] | tunnel close <port>    info
  send <peer> <message...>         group-send <group-id> <message...>
  groups                           group-create <name> [member,member...]
  history <peer>|group:<id>        conversations
  call <peer>   accept <id>   reject <id>   hangup <id>   calls
  sync   restart   help   quit
`

// console drives the messenger from text lines.
type console struct {
	m   *usecase.Messenger
	out *lockedWriter
}

func newConsole(m *usecase.Messenger, out *lockedWriter) *console {
	return &console{m: m, out: out}
}

// Run reads lines from in until quit, EOF or ctx is cancelled.
func (c *console) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.out.Printf("type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.Exec(ctx, line) {
				return
			}
		}
	}
}

// Exec runs one line and reports whether the console should keep going.
// Action failures are already raised as notifications; Exec only prints
// results.
func (c *console) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := fields[0], fields[1:]
	rest := func(from int) string {
		if len(args) <= from {
			return ""
		}
		return strings.Join(args[from:], " ")
	}
	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch cmd {
	case "quit", "exit":
		return false
	case "help":
		c.out.Printf("%s", consoleHelp)

	case "register":
		if id, err := c.m.Register(ctx, arg(0), arg(1)); err == nil {
			c.out.Printf("registered %s (%s)\n", arg(0), id)
		}
	case "login":
		if user, err := c.m.Login(ctx, arg(0), arg(1)); err == nil {
			c.out.Printf("logged in as %s\n", user.Username)
		}
	case "logout":
		if err := c.m.Logout(ctx); err == nil {
			c.out.Printf("logged out\n")
		}
	case "whoami":
		if user, ok := c.m.CurrentUser(); ok {
			c.out.Printf("%s %s\n", user.Username, user.UserID)
		} else {
			c.out.Printf("not logged in\n")
		}

	case "contacts":
		if contacts, err := c.m.Contacts(ctx); err == nil {
			for _, ct := range contacts {
				c.out.Printf("%s\t%s\t%s\n", ct.Username, ct.ConnectionType, ct.Address)
			}
		}
	case "add-contact":
		req := usecase.ContactRequest{Username: arg(0), PublicKey: arg(1), Address: arg(2)}
		if _, err := c.m.AddContact(ctx, req); err == nil {
			c.out.Printf("added %s\n", arg(0))
		}
	case "remove-contact":
		if err := c.m.RemoveContact(ctx, arg(0)); err == nil {
			c.out.Printf("removed %s\n", arg(0))
		}

	case "peers":
		for _, conn := range c.m.Connections() {
			c.out.Printf("%s\t%s\n", conn.PeerID, conn.Status)
		}
	case "connect":
		if err := c.m.ConnectToPeer(ctx, parsePeerAddress(arg(0), arg(1))); err == nil {
			c.out.Printf("connecting to %s\n", arg(0))
		}
	case "disconnect":
		if err := c.m.DisconnectPeer(ctx, arg(0)); err == nil {
			c.out.Printf("disconnected %s\n", arg(0))
		}

	case "server":
		c.server(ctx, arg(0), arg(1))
	case "tunnel":
		c.tunnel(ctx, arg(0), arg(1))
	case "info":
		if info, err := c.m.ConnectionInfo(ctx); err == nil {
			c.out.Printf("server running: %t port: %d connections: %d tunnels: %s\n",
				info.ServerRunning, info.Port, info.Connections, strings.Join(info.Tunnels, ", "))
		}

	case "send":
		if _, err := c.m.SendMessage(ctx, arg(0), rest(1)); err == nil {
			c.out.Printf("sent\n")
		}
	case "group-send":
		if _, err := c.m.SendGroupMessage(ctx, arg(0), rest(1)); err == nil {
			c.out.Printf("sent\n")
		}
	case "groups":
		if groups, err := c.m.Groups(ctx); err == nil {
			for _, g := range groups {
				c.out.Printf("%s\t%s\t%s\n", g.GroupID, g.Name, strings.Join(g.Members, ","))
			}
		}
	case "group-create":
		var members []string
		if arg(1) != "" {
			members = strings.Split(arg(1), ",")
		}
		if id, err := c.m.CreateGroup(ctx, arg(0), members, ""); err == nil {
			c.out.Printf("created group %s\n", id)
		}
	case "history":
		for _, entry := range c.m.History(parseConversation(arg(0))) {
			c.out.Printf("%s %-8s %s: %s\n", entry.Envelope.Timestamp.Format("15:04:05"),
				entry.Direction, entry.Envelope.PeerID, entry.Envelope.Body)
		}
	case "conversations":
		for _, key := range c.m.Conversations() {
			c.out.Printf("%s\n", key)
		}

	case "call":
		if rec, err := c.m.StartCall(ctx, arg(0)); err == nil {
			c.out.Printf("calling %s (%s)\n", rec.PeerID, rec.CallID)
		}
	case "accept":
		if err := c.m.AcceptCall(ctx, arg(0)); err == nil {
			c.out.Printf("accepted %s\n", arg(0))
		}
	case "reject":
		if err := c.m.RejectCall(ctx, arg(0)); err == nil {
			c.out.Printf("rejected %s\n", arg(0))
		}
	case "hangup":
		if err := c.m.EndCall(ctx, arg(0)); err == nil {
			c.out.Printf("ended %s\n", arg(0))
		}
	case "calls":
		if rec, ok := c.m.DisplayedCall(); ok {
			c.out.Printf("current: %s %s %s\n", rec.CallID, rec.PeerID, rec.Status)
		}
		for _, rec := range c.m.IncomingCalls() {
			c.out.Printf("incoming: %s from %s\n", rec.CallID, rec.PeerID)
		}

	case "sync":
		if err := c.m.SyncNow(ctx); err != nil {
			c.out.Printf("sync failed: %v\n", err)
		} else {
			c.out.Printf("synced\n")
		}
	case "restart":
		res := c.m.RestartWorkerBridge(ctx)
		c.out.Printf("%s\n", res.Message)

	default:
		c.out.Printf("unknown command %q, type 'help'\n", cmd)
	}
	return true
}

func (c *console) server(ctx context.Context, action, port string) {
	switch action {
	case "start":
		n, _ := strconv.Atoi(port)
		if err := c.m.StartServer(ctx, n); err == nil {
			c.out.Printf("server started\n")
		}
	case "stop":
		if err := c.m.StopServer(ctx); err == nil {
			c.out.Printf("server stopped\n")
		}
	default:
		c.out.Printf("usage: server start [port] | server stop\n")
	}
}

func (c *console) tunnel(ctx context.Context, action, port string) {
	n, _ := strconv.Atoi(port)
	switch action {
	case "open":
		if url, err := c.m.CreateTunnel(ctx, n); err == nil {
			c.out.Printf("tunnel %s\n", url)
		}
	case "close":
		if err := c.m.CloseTunnel(ctx, n); err == nil {
			c.out.Printf("tunnel closed\n")
		}
	default:
		c.out.Printf("usage: tunnel open [port] | tunnel close <port>\n")
	}
}

// parsePeerAddress accepts host:port or a ws:// or wss:// URL.
func parsePeerAddress(user, target string) usecase.PeerAddress {
	addr := usecase.PeerAddress{Username: user}
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		addr.WSURL = target
		return addr
	}
	host, port, found := strings.Cut(target, ":")
	addr.Host = host
	if found {
		addr.Port, _ = strconv.Atoi(port)
	}
	return addr
}

// parseConversation maps "group:<id>" to a group key and anything else to a
// peer.
func parseConversation(s string) domain.ConversationKey {
	if id, ok := strings.CutPrefix(s, "group:"); ok {
		return domain.GroupConversation(id)
	}
	return domain.DirectConversation(strings.TrimPrefix(s, "peer:"))
}
