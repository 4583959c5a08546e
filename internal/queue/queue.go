// Package queue drains the persistent outbox. Entries are dispatched
// in per-chat FIFO order while the connection is up, retried with
// capped exponential backoff on retryable failures and removed only
// once delivery is confirmed or the message is permanently abandoned.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mvales/courier/internal/bus"
	"github.com/mvales/courier/internal/clock"
	"github.com/mvales/courier/internal/config"
	"github.com/mvales/courier/internal/conn"
	"github.com/mvales/courier/internal/gateway"
	"github.com/mvales/courier/internal/relayerr"
	"github.com/mvales/courier/internal/store"
	"github.com/mvales/courier/internal/track"
)

// Sender posts one message to the server.
type Sender interface {
	Send(ctx context.Context, req gateway.SendRequest) (gateway.SendResult, error)
}

// Lifecycle is the slice of the tracker the queue drives.
type Lifecycle interface {
	CreateOutbound(out track.Outbound) (*store.MessageRecord, error)
	MarkSending(clientID string) (bool, error)
	MarkSent(clientID string, serverID int64) (bool, error)
	Fail(clientID string, sendErr error, willRetry bool) (bool, error)
	Requeue(clientID string) (bool, error)
}

// Queue owns the outbox. Submitting is always local and immediate;
// dispatching happens on the poll loop and only while online.
type Queue struct {
	db      *store.DB
	tracker Lifecycle
	sender  Sender
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     config.Queue

	sendTimeout time.Duration

	// Swapped in tests.
	clk clock.Clock

	online atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue builds a queue over an open store.
func NewQueue(db *store.DB, tracker Lifecycle, sender Sender, b *bus.Bus, cfg config.Queue, sendTimeout time.Duration, logger *zap.Logger) *Queue {
	return &Queue{
		db:          db,
		tracker:     tracker,
		sender:      sender,
		bus:         b,
		logger:      logger.Named("queue"),
		cfg:         cfg,
		sendTimeout: sendTimeout,
		clk:         clock.Real{},
	}
}

func (q *Queue) nowMs() int64 { return q.clk.Now().UnixMilli() }

// Submit records a new outbound message and enqueues it. The message is
// durable from this point on: restarts and offline periods only delay
// dispatch. When the chat's pending bound is hit, the oldest
// non-critical entry is dropped to make room; a chat full of critical
// entries rejects the submission instead.
func (q *Queue) Submit(out track.Outbound) (*store.MessageRecord, error) {
	if err := q.makeRoom(out.ChatID); err != nil {
		return nil, err
	}

	rec, err := q.tracker.CreateOutbound(out)
	if err != nil {
		return nil, err
	}

	priority := store.PriorityNormal
	if out.Critical {
		priority = store.PriorityCritical
	}
	now := q.nowMs()
	err = q.db.EnqueueOutbox(&store.OutboxEntry{
		ClientID:      rec.ClientID,
		ChatID:        rec.ChatID,
		Priority:      priority,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Status:        store.OutboxQueued,
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (q *Queue) makeRoom(chatID int64) error {
	pending, err := q.db.CountChatPending(chatID)
	if err != nil {
		return err
	}
	if pending < q.cfg.MaxPerChat {
		return nil
	}

	victim, err := q.db.OldestEvictable(chatID)
	if err != nil {
		return err
	}
	if victim == nil {
		return relayerr.New(relayerr.KindValidation, "queue.submit",
			fmt.Sprintf("chat %d has %d critical messages pending", chatID, pending))
	}

	if _, err := q.db.DeleteOutbox(victim.ClientID); err != nil {
		return err
	}
	q.db.TransitionRecord(victim.ClientID,
		[]store.MessageState{store.StateQueued, store.StateFailed},
		store.StateFailed, q.nowMs(),
		store.RecordPatch{LastError: "dropped: chat queue full"})

	q.logger.Warn("dropped oldest pending message",
		zap.String("client_id", victim.ClientID),
		zap.Int64("chat_id", chatID))
	q.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDropped,
		Timestamp: q.clk.Now(),
		Payload: bus.Drop{
			ClientID: victim.ClientID,
			ChatID:   chatID,
			Reason:   "chat queue full",
		},
	})
	return nil
}

// Retry re-enqueues a permanently failed message on explicit user
// action. The record keeps its idempotency key; the backoff clock
// starts fresh.
func (q *Queue) Retry(clientID string) error {
	rec, err := q.db.GetRecord(clientID)
	if err != nil {
		return err
	}
	if rec == nil {
		return relayerr.New(relayerr.KindClient, "queue.retry", "unknown message "+clientID)
	}
	if rec.State != store.StateFailed {
		return relayerr.New(relayerr.KindClient, "queue.retry",
			fmt.Sprintf("message %s is %s, only failed messages can be retried", clientID, rec.State))
	}

	if ok, err := q.tracker.Requeue(clientID); err != nil || !ok {
		if err != nil {
			return err
		}
		return relayerr.New(relayerr.KindClient, "queue.retry", "message state changed during retry")
	}

	// A leftover entry (crash before abandonment finished) is reset in
	// place; inserting would trip the unique client_id constraint.
	now := q.nowMs()
	exists, err := q.db.ResetOutbox(rec.ClientID, now)
	if err != nil || exists {
		return err
	}
	return q.db.EnqueueOutbox(&store.OutboxEntry{
		ClientID:      rec.ClientID,
		ChatID:        rec.ChatID,
		Priority:      store.PriorityNormal,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		Status:        store.OutboxQueued,
	})
}

// Start recovers entries interrupted by a crash and launches the poll
// loop. Subscriptions are taken before the loop goroutine exists so no
// event published after Start returns can slip past them.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return nil
	}
	if err := q.recoverInflight(); err != nil {
		return err
	}

	connCh, cancelConn := q.bus.Subscribe(bus.KindConnStateChanged, 32)
	deliveredCh, cancelDelivered := q.bus.Subscribe(bus.KindMessageDelivered, 64)

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = func() {
		cancel()
		cancelConn()
		cancelDelivered()
	}
	q.done = make(chan struct{})
	go q.loop(ctx, connCh, deliveredCh, q.done)
	return nil
}

// recoverInflight returns entries stuck inflight by an unclean shutdown
// to the queue, and their records (already force-failed by the tracker's
// own recovery) back to queued.
func (q *Queue) recoverInflight() error {
	ids, err := q.db.RequeueInflight(q.nowMs())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := q.tracker.Requeue(id); err != nil {
			q.logger.Error("requeuing interrupted send",
				zap.String("client_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		q.logger.Info("recovered interrupted sends", zap.Int("count", len(ids)))
	}
	return nil
}

// Stop halts dispatching and waits for the loop to exit. Pending
// entries stay in the outbox for the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (q *Queue) loop(ctx context.Context, connCh, deliveredCh <-chan bus.Event, done chan struct{}) {
	defer close(done)

	ticker := q.clk.NewTicker(q.cfg.PollInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt := <-connCh:
			change, ok := evt.Payload.(bus.ConnStateChange)
			if !ok {
				continue
			}
			wasOnline := q.online.Load()
			nowOnline := change.To == string(conn.Connected)
			q.online.Store(nowOnline)
			if nowOnline && !wasOnline {
				q.logger.Info("connection up, draining outbox")
				q.drain(ctx)
			}

		case evt := <-deliveredCh:
			ref, ok := evt.Payload.(bus.MessageRef)
			if !ok {
				continue
			}
			if _, err := q.db.DeleteOutbox(ref.ClientID); err != nil {
				q.logger.Error("removing delivered entry",
					zap.String("client_id", ref.ClientID), zap.Error(err))
			}

		case <-ticker.C():
			if !q.online.Load() {
				continue
			}
			q.expireStaleSent()
			q.drain(ctx)
		}
	}
}

// drain dispatches every due chat head, one send at a time. Each pass
// re-reads the heads so a chat whose head just succeeded can send its
// next message in the same cycle.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil && q.online.Load() {
		heads, err := q.db.HeadEntries(q.nowMs())
		if err != nil {
			q.logger.Error("reading outbox heads", zap.Error(err))
			return
		}
		if len(heads) == 0 {
			return
		}
		progressed := false
		for _, entry := range heads {
			if ctx.Err() != nil || !q.online.Load() {
				return
			}
			if q.dispatch(ctx, entry) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// dispatch runs one send attempt. Returns true when the attempt
// resolved the entry in a way that may unblock its chat.
func (q *Queue) dispatch(ctx context.Context, entry store.OutboxEntry) bool {
	claimed, err := q.db.MarkOutboxInflight(entry.ClientID)
	if err != nil {
		q.logger.Error("claiming entry", zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	ok, err := q.tracker.MarkSending(entry.ClientID)
	if err != nil {
		// A store hiccup is not a resolution; keep the entry for the
		// next poll.
		q.logger.Error("marking record sending",
			zap.String("client_id", entry.ClientID), zap.Error(err))
		if rerr := q.db.RescheduleOutbox(entry.ClientID, entry.Attempts, q.nowMs(), err.Error()); rerr != nil {
			q.logger.Error("rescheduling entry",
				zap.String("client_id", entry.ClientID), zap.Error(rerr))
		}
		return false
	}
	if !ok {
		// Resolved out from under the queue, most often by a push echo
		// that arrived while the entry was backing off.
		q.db.RescheduleOutbox(entry.ClientID, entry.Attempts, q.nowMs(), "")
		q.db.DeleteOutbox(entry.ClientID)
		return true
	}

	rec, err := q.db.GetRecord(entry.ClientID)
	if err != nil || rec == nil {
		q.logger.Error("loading record for dispatch",
			zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	res, err := q.sender.Send(sendCtx, gateway.SendRequest{
		ChatID:         rec.ChatID,
		Content:        rec.Content,
		Attachments:    rec.Attachments,
		IdempotencyKey: rec.IdempotencyKey,
		ReplyTo:        rec.ReplyTo,
		Mentions:       rec.Mentions,
	})
	cancel()

	if err != nil {
		q.handleSendFailure(entry, err)
		return false
	}

	if _, err := q.tracker.MarkSent(entry.ClientID, res.ServerID); err != nil {
		q.logger.Error("marking record sent",
			zap.String("client_id", entry.ClientID), zap.Error(err))
	}
	if err := q.db.MarkOutboxSent(entry.ClientID, q.nowMs()); err != nil {
		q.logger.Error("marking entry sent",
			zap.String("client_id", entry.ClientID), zap.Error(err))
	}
	return true
}

func (q *Queue) handleSendFailure(entry store.OutboxEntry, sendErr error) {
	attempts := entry.Attempts + 1
	willRetry := relayerr.Retryable(sendErr) && attempts < q.cfg.MaxAttempts

	q.tracker.Fail(entry.ClientID, sendErr, willRetry)

	if !willRetry {
		q.logger.Warn("abandoning message",
			zap.String("client_id", entry.ClientID),
			zap.Int("attempts", attempts),
			zap.Error(sendErr))
		// Return the entry to queued so the guarded delete accepts it.
		q.db.RescheduleOutbox(entry.ClientID, attempts, q.nowMs(), sendErr.Error())
		q.db.DeleteOutbox(entry.ClientID)
		return
	}

	q.tracker.Requeue(entry.ClientID)
	delay := q.backoff(attempts)
	q.logger.Info("send failed, backing off",
		zap.String("client_id", entry.ClientID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(sendErr))
	if err := q.db.RescheduleOutbox(entry.ClientID, attempts,
		q.clk.Now().Add(delay).UnixMilli(), sendErr.Error()); err != nil {
		q.logger.Error("rescheduling entry",
			zap.String("client_id", entry.ClientID), zap.Error(err))
	}
}

// backoff grows exponentially from the base, capped, with jitter of up
// to half the delay so parallel clients spread their retries.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.cfg.BackoffBase.Duration << (attempts - 1)
	if delay > q.cfg.BackoffCap.Duration || delay <= 0 {
		delay = q.cfg.BackoffCap.Duration
	}
	return delay + time.Duration(rand.Int63n(int64(delay/2)+1))
}

// expireStaleSent fails sent entries whose delivery confirmation never
// arrived, pushing them back through the retry path.
func (q *Queue) expireStaleSent() {
	cutoff := q.clk.Now().Add(-q.cfg.ConfirmTimeout.Duration).UnixMilli()
	stale, err := q.db.StaleSent(cutoff)
	if err != nil {
		q.logger.Error("sweeping stale entries", zap.Error(err))
		return
	}
	for _, entry := range stale {
		confirmErr := relayerr.New(relayerr.KindServer, "queue.confirm",
			"no delivery confirmation within the window")
		q.handleSendFailure(entry, confirmErr)
	}
}
