package protocol

// RPC method name constants.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Config
	MethodConfigGet   = "config.get"
	MethodConfigPatch = "config.patch"
	MethodConfigHash  = "config.hash"

	// Sessions
	MethodSessionsList  = "sessions.list"
	MethodSessionsPatch = "sessions.patch"
	MethodSessionsReset = "sessions.reset"

	// Pairing
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingRevoke  = "pairing.revoke"

	// Channels
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"
	MethodChannelsStart  = "channels.start"
	MethodChannelsStop   = "channels.stop"

	// Cron
	MethodCronList = "cron.list"
	MethodCronRun  = "cron.run"
)
