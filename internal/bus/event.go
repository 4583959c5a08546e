package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds, grouped by namespace. Subscribers filter by prefix,
// e.g. "message." receives every message lifecycle event.
const (
	// Connection lifecycle.
	KindConnStateChanged = "conn.state_changed"
	KindConnFatal        = "conn.fatal"

	// Inbound push events, published by the connection manager.
	KindPushMessage   = "push.message"
	KindPushRead      = "push.read"
	KindPushTyping    = "push.typing"
	KindPushPresence  = "push.presence"
	KindPushMember    = "push.member"
	KindPushDuplicate = "push.duplicate"

	// Outbound message lifecycle, published by tracker and queue.
	KindMessageQueued    = "message.queued"
	KindMessageSending   = "message.sending"
	KindMessageSent      = "message.sent"
	KindMessageDelivered = "message.delivered"
	KindMessageFailed    = "message.failed"
	KindMessageDropped   = "message.dropped"
)

// ConnStateChange is the payload for conn.state_changed events.
// States are carried as strings so consumers need not import the
// connection package.
type ConnStateChange struct {
	From string
	To   string
}

// MessageRef identifies one message record in lifecycle events.
type MessageRef struct {
	ClientID string
	ChatID   int64
	ServerID int64
}

// SendFailure is the payload for message.failed events.
type SendFailure struct {
	ClientID  string
	ChatID    int64
	Err       string
	Retryable bool
}

// Drop is the payload for message.dropped warnings emitted when a
// per-chat queue bound evicts an entry.
type Drop struct {
	ClientID string
	ChatID   int64
	Reason   string
}
