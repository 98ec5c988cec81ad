package websocket

// Client-to-server control message types.
const (
	TypeSubscribe       = "subscribe"
	TypeReconnect       = "reconnect"
	TypePing            = "ping"
	TypeGetSessionState = "get-session-state"
)

// Server-to-client frame types. Except for the connection handshake and
// pong, each doubles as a channel name clients subscribe to.
const (
	TypeConnection   = "connection"
	TypePong         = "pong"
	TypeSessionState = "session-state"

	ChannelSessionListUpdate    = "session-list-update"
	ChannelSessionCreated       = "session-created"
	ChannelSessionTerminated    = "session-terminated"
	ChannelSessionStatusChanged = "session-status-changed"
	ChannelClaudeOutput         = "claude-output"
	ChannelMessageStatus        = "message-status"
	ChannelSessionError         = "session-error"
)

// Wildcard accepted in subscription lists for both sessions and channels.
const Wildcard = "*"

// Channels returns all subscribable channel names.
func Channels() []string {
	return []string{
		ChannelSessionListUpdate,
		ChannelSessionCreated,
		ChannelSessionTerminated,
		ChannelSessionStatusChanged,
		ChannelClaudeOutput,
		ChannelMessageStatus,
		ChannelSessionError,
	}
}
