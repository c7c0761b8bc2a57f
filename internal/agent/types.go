// Package agent dispatches inbound messages to the configured agent
// program and turns its streamed output into deliverable reply blocks.
//
// The agent is an external process: the dispatcher spawns the argv from
// agents.<id>.command, writes one request JSON object to its stdin, and
// reads newline-delimited reply payloads from its stdout until the
// stream ends. The block buffer re-segments streamed text on paragraph
// boundaries so surfaces that render messages incrementally receive one
// payload per block.
package agent

import "strings"

// DeliveryContext carries everything the reply path needs to know about
// where a message came from and where its replies go. It is built once
// by the consumer loop and passed through dispatch and delivery intact.
type DeliveryContext struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ChatType  string `json:"chatType,omitempty"`

	Message    string `json:"message,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	// IdempotencyKey deduplicates retried dispatches of the same inbound.
	// Callers must set it; the dispatcher rejects requests without one.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	ConversationLabel string `json:"conversationLabel,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
	SenderID          string `json:"senderId,omitempty"`
	SpawnedBy         string `json:"spawnedBy,omitempty"`

	// CommandAuthorized is non-nil when the inbound carried a control
	// command; the value records whether the sender may run it.
	CommandAuthorized *bool `json:"commandAuthorized,omitempty"`

	Provider   string `json:"provider,omitempty"`
	Surface    string `json:"surface,omitempty"`
	MessageSID string `json:"messageSid,omitempty"`

	MediaPath string `json:"mediaPath,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`

	// Originating* point back at the surface that triggered a relayed
	// reply (cron fan-out, cross-channel sends). Empty for direct chat.
	OriginatingChannel string `json:"originatingChannel,omitempty"`
	OriginatingTo      string `json:"originatingTo,omitempty"`
}

// request is the JSON object written to the agent program's stdin.
type request struct {
	Message        string `json:"message"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
	Label          string `json:"label,omitempty"`
	SpawnedBy      string `json:"spawnedBy,omitempty"`
}

// Reply markers. Every dispatch emits any number of partials followed by
// exactly one final.
const (
	MarkerPartial = "partial"
	MarkerFinal   = "final"
)

// ReplyPayload is one streamed reply unit. The agent program emits these
// as JSON lines on stdout; the block buffer re-emits them per block with
// its own markers.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
	Marker    string   `json:"marker,omitempty"`
	// Error carries a short human-readable message when the run was
	// aborted; only ever set on the final payload.
	Error string `json:"error,omitempty"`
}

// IsFinal reports whether this payload terminates the reply stream.
func (p ReplyPayload) IsFinal() bool { return p.Marker == MarkerFinal }

// RunMeta summarizes a completed dispatch.
type RunMeta struct {
	DurationMs int64 `json:"durationMs"`
	// Deduped is set when the request was dropped as a retry of a
	// recently dispatched idempotency key; no payloads were emitted.
	Deduped bool `json:"deduped,omitempty"`
}

// NoReplyToken is the sentinel an agent emits to suppress any reply.
const NoReplyToken = "NO_REPLY"

// IsSilent reports whether reply text starts with the silent token and
// should not be delivered.
func IsSilent(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), NoReplyToken)
}
