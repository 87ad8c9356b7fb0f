package domain

// Command names understood by the worker.
const (
	CmdRegisterUser   = "register_user"
	CmdLoginUser      = "login_user"
	CmdLogoutUser     = "logout_user"
	CmdGetCurrentUser = "get_current_user"
	CmdPing           = "ping"

	CmdGetContacts   = "get_contacts"
	CmdAddContact    = "add_contact"
	CmdRemoveContact = "remove_contact"

	CmdGetConnections = "get_connections"
	CmdConnectToPeer  = "connect_to_peer"
	CmdDisconnectPeer = "disconnect_peer"

	CmdStartServer       = "start_server"
	CmdStopServer        = "stop_server"
	CmdCreateTunnel      = "create_tunnel"
	CmdCloseTunnel       = "close_tunnel"
	CmdGetConnectionInfo = "get_connection_info"

	CmdSendMessage        = "send_message"
	CmdGetPendingMessages = "get_pending_messages"

	CmdGetGroups        = "get_groups"
	CmdCreateGroup      = "create_group"
	CmdSendGroupMessage = "send_group_message"

	CmdStartVoiceCall  = "start_voice_call"
	CmdAcceptVoiceCall = "accept_voice_call"
	CmdRejectVoiceCall = "reject_voice_call"
	CmdEndVoiceCall    = "end_voice_call"
	CmdGetPendingCalls = "get_pending_calls"
	CmdGetActiveCalls  = "get_active_calls"
)
