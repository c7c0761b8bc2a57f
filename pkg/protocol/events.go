package protocol

// WebSocket event names pushed from server to client.
const (
	EventHealth   = "health"
	EventShutdown = "shutdown"
	EventTick     = "tick"

	// Channel account lifecycle (payload: RuntimeStatus delta).
	EventChannelStatus = "channel.status"

	// Reply lifecycle for one inbound message.
	EventReply = "reply"

	// Pairing lifecycle.
	EventPairRequested = "pair.requested"
	EventPairApproved  = "pair.approved"

	// Cron job fired (payload: job id).
	EventCron = "cron"

	// Config document replaced or patched (payload: new hash).
	EventConfigChanged = "config.changed"

	// Cache invalidation events (internal, not forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Reply event subtypes (in payload.type)
const (
	ReplyEventStarted = "started"
	ReplyEventBlock   = "block"
	ReplyEventFinal   = "final"
	ReplyEventFailed  = "failed"
)
