package store

// MessageState is the lifecycle state of an outbound message record.
type MessageState string

const (
	StateQueued    MessageState = "queued"
	StateSending   MessageState = "sending"
	StateSent      MessageState = "sent"
	StateDelivered MessageState = "delivered"
	StateFailed    MessageState = "failed"
)

// Active reports whether a record is in a state that forbids deletion.
func (s MessageState) Active() bool {
	return s == StateSending || s == StateSent
}

// MessageRecord is the local record of one message. Outbound records
// are created on user action with a fresh ClientID and IdempotencyKey;
// inbound records are created from push events with state delivered.
// ServerID is zero until the server assigns one and is set at most once.
type MessageRecord struct {
	ID             int64
	ClientID       string
	ServerID       int64
	ChatID         int64
	SenderID       int64
	Content        string
	Attachments    []string
	ReplyTo        int64
	Mentions       []int64
	State          MessageState
	IdempotencyKey string
	CreatedAt      int64 // unix milliseconds
	SentAt         int64
	DeliveredAt    int64
	ReadAt         int64
	RetryCount     int
	LastError      string
}

// Outbox entry statuses.
const (
	OutboxQueued   = "queued"
	OutboxInflight = "inflight"
	OutboxSent     = "sent"
)

// OutboxEntry wraps a message record with queue metadata. Entries are
// created on send request and removed on confirmed delivery or
// permanent abandonment, never while an attempt is in flight.
type OutboxEntry struct {
	ID            int64
	ClientID      string
	ChatID        int64
	Priority      int
	EnqueuedAt    int64
	Attempts      int
	NextAttemptAt int64
	Status        string
	LastError     string
}

// Priorities for outbox entries. Critical entries are never evicted by
// the per-chat bound.
const (
	PriorityCritical = 0
	PriorityNormal   = 1
)
