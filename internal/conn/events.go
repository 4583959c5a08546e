package conn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mvales/courier/internal/bus"
)

// Wire names of the push event types the server emits. Unknown names
// are ignored rather than treated as errors, so servers can grow the
// vocabulary without breaking older clients.
const (
	eventNewMessage = "NewMessage"
	eventRead       = "MessageRead"
	eventTyping     = "TypingStatus"
	eventPresence   = "UserPresence"
	eventJoined     = "UserJoinedChat"
	eventLeft       = "UserLeftChat"
	eventDuplicate  = "DuplicateMessageAttempted"
)

// MessageEvent is a new-message push. When the sender is this client,
// IdempotencyKey echoes the key from the original send.
type MessageEvent struct {
	ServerID       int64     `json:"id"`
	ChatID         int64     `json:"chat_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Files          []string  `json:"files"`
	CreatedAt      time.Time `json:"created_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// ReadEvent is a read receipt.
type ReadEvent struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	ReaderID  int64  `json:"reader_id"`
	ReadAt    string `json:"read_at"`
}

// TypingEvent signals typing started or stopped.
type TypingEvent struct {
	ChatID   int64  `json:"chat_id"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// PresenceEvent is another user's presence change.
type PresenceEvent struct {
	UserID   int64  `json:"user_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// MemberEvent signals a chat membership change.
type MemberEvent struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	Joined bool  `json:"-"`
}

// DuplicateEvent reports that the server collapsed a retried send.
// Carries the echoed idempotency key so the original record can still
// be confirmed.
type DuplicateEvent struct {
	IdempotencyKey string `json:"idempotency_key"`
	ChatID         int64  `json:"chat_id"`
	SenderID       int64  `json:"sender_id"`
}

// parseEvent decodes one named push event into its bus kind and typed
// payload. An empty kind means the event name is unknown and should be
// skipped.
func parseEvent(name string, data []byte) (string, any, error) {
	switch name {
	case eventNewMessage:
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return bus.KindPushMessage, ev, nil
	case eventRead:
		var ev ReadEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return bus.KindPushRead, ev, nil
	case eventTyping:
		var ev TypingEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return bus.KindPushTyping, ev, nil
	case eventPresence:
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return bus.KindPushPresence, ev, nil
	case eventJoined, eventLeft:
		var ev MemberEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		ev.Joined = name == eventJoined
		return bus.KindPushMember, ev, nil
	case eventDuplicate:
		var ev DuplicateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return "", nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return bus.KindPushDuplicate, ev, nil
	default:
		return "", nil, nil
	}
}
