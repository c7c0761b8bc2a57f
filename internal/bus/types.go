package bus

import "context"

// Chat types carried on inbound messages.
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

// InboundMessage is the normalized envelope produced by a channel transport.
type InboundMessage struct {
	Channel    string `json:"channel"`
	AccountID  string `json:"account_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"` // surface-unique when present
	Timestamp  int64  `json:"timestamp,omitempty"`  // ms epoch
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	ChatType   string `json:"chat_type"` // "direct" or "group"
	GroupID    string `json:"group_id,omitempty"`
	GroupName  string `json:"group_name,omitempty"`
	Content    string `json:"content"`

	Media []MediaAttachment `json:"media,omitempty"`

	// CommandAuthorized is set by the policy gate when the message carries a
	// control command; nil means the message is ordinary text.
	CommandAuthorized *bool `json:"command_authorized,omitempty"`

	AgentID  string            `json:"agent_id,omitempty"` // explicit routing override
	Metadata map[string]string `json:"metadata,omitempty"` // surface extras (thread ids, sids, ...)
}

// ConversationID returns the debounce/ordering scope for the message:
// the group id for group chats, else the sender peer id.
func (m InboundMessage) ConversationID() string {
	if m.ChatType == ChatTypeGroup && m.GroupID != "" {
		return m.GroupID
	}
	return m.SenderID
}

// OutboundMessage is a fire-and-forget send routed through the bus
// (pairing notifications, cron results). Reply streams bypass the bus and
// go through the delivery backchannel instead.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media item riding with a message.
type MediaAttachment struct {
	URL         string `json:"url,omitempty"`  // remote url or transport file id
	Path        string `json:"path,omitempty"` // local path once fetched
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event is a server-side event broadcast to gateway clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between transports and
// the consumer loop.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
