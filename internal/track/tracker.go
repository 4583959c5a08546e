// Package track keeps the local record of every message the client has
// sent or seen. Outbound records walk queued, sending, sent and
// delivered; inbound push events are matched against pending outbound
// records before being stored as messages from other users.
package track

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mvales/courier/internal/bus"
	"github.com/mvales/courier/internal/clock"
	"github.com/mvales/courier/internal/conn"
	"github.com/mvales/courier/internal/store"
)

// unresolved is the set of states an outbound record can be in when its
// delivery confirmation arrives. A push echo may beat the send response
// back, so sending and even queued records are eligible.
var unresolved = []store.MessageState{store.StateQueued, store.StateSending, store.StateSent}

// echoResolvable additionally covers failed records: an exact
// idempotency-key echo proves the server accepted some attempt, so even
// an abandoned send is confirmed rather than stored again as a
// stranger's message. The loose fingerprint match never gets this
// latitude.
var echoResolvable = []store.MessageState{
	store.StateQueued, store.StateSending, store.StateSent, store.StateFailed,
}

// Outbound describes a message the user asked to send.
type Outbound struct {
	ChatID      int64
	SenderID    int64
	Content     string
	Attachments []string
	ReplyTo     int64
	Mentions    []int64
	Critical    bool
}

// Tracker owns message records and their lifecycle transitions. All
// state changes go through the store's guarded updates, so concurrent
// confirmations resolve a record exactly once.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	clk    clock.Clock
	window time.Duration

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewTracker builds a tracker. window bounds the content-fingerprint
// fallback match.
func NewTracker(db *store.DB, b *bus.Bus, window time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:     db,
		bus:    b,
		logger: logger.Named("track"),
		clk:    clock.Real{},
		window: window,
	}
}

func (t *Tracker) nowMs() int64 { return t.clk.Now().UnixMilli() }

func (t *Tracker) publish(kind string, payload any) {
	t.bus.Publish(bus.Event{Kind: kind, Timestamp: t.clk.Now(), Payload: payload})
}

func (t *Tracker) ref(r *store.MessageRecord) bus.MessageRef {
	return bus.MessageRef{ClientID: r.ClientID, ChatID: r.ChatID, ServerID: r.ServerID}
}

// CreateOutbound records a new message in queued state with a fresh
// client ID and idempotency key. The key never changes across retries
// of the same message.
func (t *Tracker) CreateOutbound(out Outbound) (*store.MessageRecord, error) {
	rec := &store.MessageRecord{
		ClientID:       uuid.NewString(),
		ChatID:         out.ChatID,
		SenderID:       out.SenderID,
		Content:        out.Content,
		Attachments:    out.Attachments,
		ReplyTo:        out.ReplyTo,
		Mentions:       out.Mentions,
		State:          store.StateQueued,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      t.nowMs(),
	}
	if err := t.db.InsertRecord(rec); err != nil {
		return nil, err
	}
	t.publish(bus.KindMessageQueued, t.ref(rec))
	return rec, nil
}

// MarkSending moves a queued record into sending. Returns false when
// the record is not queued, which happens when a delivery confirmation
// raced ahead of the dispatch.
func (t *Tracker) MarkSending(clientID string) (bool, error) {
	ok, err := t.db.TransitionRecord(clientID, []store.MessageState{store.StateQueued},
		store.StateSending, t.nowMs(), store.RecordPatch{})
	if err != nil || !ok {
		return ok, err
	}
	if rec, err := t.db.GetRecord(clientID); err == nil && rec != nil {
		t.publish(bus.KindMessageSending, t.ref(rec))
	}
	return true, nil
}

// MarkSent records the server's acceptance of a send, attaching the
// assigned server ID. A record already resolved by a push echo stays
// delivered and keeps its original server ID.
func (t *Tracker) MarkSent(clientID string, serverID int64) (bool, error) {
	ok, err := t.db.TransitionRecord(clientID, []store.MessageState{store.StateSending},
		store.StateSent, t.nowMs(), store.RecordPatch{ServerID: serverID})
	if err != nil || !ok {
		return ok, err
	}
	if rec, err := t.db.GetRecord(clientID); err == nil && rec != nil {
		t.publish(bus.KindMessageSent, t.ref(rec))
	}
	return true, nil
}

// Fail moves an active record into failed. willRetry tells subscribers
// whether the delivery queue will requeue it.
func (t *Tracker) Fail(clientID string, sendErr error, willRetry bool) (bool, error) {
	detail := ""
	if sendErr != nil {
		detail = sendErr.Error()
	}
	ok, err := t.db.TransitionRecord(clientID,
		[]store.MessageState{store.StateSending, store.StateSent},
		store.StateFailed, t.nowMs(), store.RecordPatch{LastError: detail})
	if err != nil || !ok {
		return ok, err
	}
	rec, gerr := t.db.GetRecord(clientID)
	if gerr != nil || rec == nil {
		return true, nil
	}
	t.publish(bus.KindMessageFailed, bus.SendFailure{
		ClientID:  rec.ClientID,
		ChatID:    rec.ChatID,
		Err:       detail,
		Retryable: willRetry,
	})
	return true, nil
}

// Requeue moves a failed record back to queued for another attempt,
// bumping its retry count. The idempotency key is preserved.
func (t *Tracker) Requeue(clientID string) (bool, error) {
	ok, err := t.db.TransitionRecord(clientID, []store.MessageState{store.StateFailed},
		store.StateQueued, t.nowMs(), store.RecordPatch{IncRetry: true})
	if err != nil || !ok {
		return ok, err
	}
	if rec, err := t.db.GetRecord(clientID); err == nil && rec != nil {
		t.publish(bus.KindMessageQueued, t.ref(rec))
	}
	return true, nil
}

// resolve moves an outbound record in one of the given states to
// delivered, setting the server ID if it is still unknown. The guarded
// update makes resolution idempotent: replayed confirmations find the
// record already delivered and return false.
func (t *Tracker) resolve(clientID string, serverID int64, from []store.MessageState) (bool, error) {
	ok, err := t.db.TransitionRecord(clientID, from, store.StateDelivered,
		t.nowMs(), store.RecordPatch{ServerID: serverID})
	if err != nil || !ok {
		return ok, err
	}
	rec, gerr := t.db.GetRecord(clientID)
	if gerr == nil && rec != nil {
		t.publish(bus.KindMessageDelivered, t.ref(rec))
	}
	return true, nil
}

// MatchIncoming reconciles one new-message push event. Precedence: an
// idempotency key echo resolves the matching outbound record; without a
// key, a content fingerprint (chat, sender, content) within the
// fallback window resolves the oldest candidate; otherwise the event is
// a message from someone else and is stored as delivered.
func (t *Tracker) MatchIncoming(ev conn.MessageEvent) error {
	if ev.IdempotencyKey != "" {
		rec, err := t.db.FindByIdempotencyKey(ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			ok, err := t.resolve(rec.ClientID, ev.ServerID, echoResolvable)
			if err != nil {
				return err
			}
			if !ok {
				t.logger.Debug("replayed confirmation ignored",
					zap.String("client_id", rec.ClientID))
			}
			return nil
		}
	}

	eventMs := ev.CreatedAt.UnixMilli()
	if ev.CreatedAt.IsZero() {
		eventMs = t.nowMs()
	}
	win := t.window.Milliseconds()
	rec, err := t.db.FindFingerprint(ev.ChatID, ev.SenderID, ev.Content, eventMs-win, eventMs+win)
	if err != nil {
		return err
	}
	if rec != nil {
		if _, err := t.resolve(rec.ClientID, ev.ServerID, unresolved); err != nil {
			return err
		}
		return nil
	}

	return t.db.UpsertInbound(&store.MessageRecord{
		ClientID:    uuid.NewString(),
		ServerID:    ev.ServerID,
		ChatID:      ev.ChatID,
		SenderID:    ev.SenderID,
		Content:     ev.Content,
		Attachments: ev.Files,
		State:       store.StateDelivered,
		CreatedAt:   eventMs,
		DeliveredAt: t.nowMs(),
	})
}

// HandleDuplicate treats a duplicate-send rejection as a delivery
// confirmation for the original attempt.
func (t *Tracker) HandleDuplicate(ev conn.DuplicateEvent) error {
	rec, err := t.db.FindByIdempotencyKey(ev.IdempotencyKey)
	if err != nil || rec == nil {
		return err
	}
	_, err = t.resolve(rec.ClientID, 0, echoResolvable)
	return err
}

// HandleRead applies a read receipt.
func (t *Tracker) HandleRead(ev conn.ReadEvent) error {
	return t.db.MarkRead(ev.ChatID, ev.MessageID, t.nowMs())
}

// RecoverInflight fails every record stranded in sending. Called on
// startup and on disconnect so interrupted sends re-enter the retry
// path instead of sitting in sending forever.
func (t *Tracker) RecoverInflight(reason string) error {
	ids, err := t.db.FailInflight(reason)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := t.db.GetRecord(id)
		if err != nil || rec == nil {
			continue
		}
		t.publish(bus.KindMessageFailed, bus.SendFailure{
			ClientID:  rec.ClientID,
			ChatID:    rec.ChatID,
			Err:       reason,
			Retryable: true,
		})
	}
	if len(ids) > 0 {
		t.logger.Info("failed stranded sends", zap.Int("count", len(ids)))
	}
	return nil
}

// Records lists a chat's message history, newest first.
func (t *Tracker) Records(chatID int64, beforeMs int64, limit int) ([]store.MessageRecord, error) {
	return t.db.ListRecords(chatID, beforeMs, limit)
}

// Start subscribes the tracker to push and connection events.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}

	if err := t.RecoverInflight("interrupted by restart"); err != nil {
		return err
	}

	pushCh, cancelPush := t.bus.Subscribe("push.", 64)
	connCh, cancelConn := t.bus.Subscribe(bus.KindConnStateChanged, 16)
	quit := make(chan struct{})
	done := make(chan struct{})
	t.cancel = func() {
		cancelPush()
		cancelConn()
		close(quit)
	}
	t.done = done

	go t.loop(pushCh, connCh, quit, done)
	return nil
}

// Stop unsubscribes and waits for the event loop to drain.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) loop(pushCh, connCh <-chan bus.Event, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case evt := <-pushCh:
			t.handlePush(evt)
		case evt := <-connCh:
			change, ok := evt.Payload.(bus.ConnStateChange)
			if !ok {
				continue
			}
			if change.To == string(conn.Disconnected) || change.To == string(conn.Banned) {
				if err := t.RecoverInflight("connection lost"); err != nil {
					t.logger.Error("recovering inflight sends", zap.Error(err))
				}
			}
		}
	}
}

func (t *Tracker) handlePush(evt bus.Event) {
	var err error
	switch payload := evt.Payload.(type) {
	case conn.MessageEvent:
		err = t.MatchIncoming(payload)
	case conn.DuplicateEvent:
		err = t.HandleDuplicate(payload)
	case conn.ReadEvent:
		err = t.HandleRead(payload)
	default:
		// Typing, presence and membership events carry no message
		// lifecycle consequences.
		return
	}
	if err != nil {
		t.logger.Error("handling push event",
			zap.String("kind", evt.Kind), zap.Error(err))
	}
}
