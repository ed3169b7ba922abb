package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey identifies the advisory session a message belongs to.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundKind separates streamed pieces from finished replies.
type OutboundKind string

const (
	KindMessage  OutboundKind = "message"
	KindFragment OutboundKind = "fragment"
)

type OutboundMessage struct {
	Channel string
	ChatID  string
	Kind    OutboundKind
	Content string
	// Error carries the failure kind of a diagnostic or fallback reply.
	Error    string
	ReplyTo  string
	Metadata map[string]any
}

func (m OutboundMessage) IsFragment() bool {
	return m.Kind == KindFragment
}
