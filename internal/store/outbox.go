package store

import (
	"database/sql"
	"fmt"
)

// EnqueueOutbox adds a queue entry for a message record.
func (db *DB) EnqueueOutbox(e *OutboxEntry) error {
	res, err := db.Exec(`
		INSERT INTO outbox (client_id, chat_id, priority, enqueued_at, attempts, next_attempt_at, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientID, e.ChatID, e.Priority, e.EnqueuedAt, e.Attempts, e.NextAttemptAt, e.Status, e.LastError)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// HeadEntries returns, for each chat, the oldest unsent entry, but only
// when it is queued and due. A head that is backing off or in flight
// blocks its whole chat, which is what preserves per-chat send order.
func (db *DB) HeadEntries(nowMs int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, priority, enqueued_at, attempts, next_attempt_at, status, last_error
		FROM outbox e
		WHERE e.status = 'queued' AND e.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox o
			WHERE o.chat_id = e.chat_id AND o.status IN ('queued', 'inflight')
			  AND (o.enqueued_at < e.enqueued_at OR (o.enqueued_at = e.enqueued_at AND o.id < e.id))
		  )
		ORDER BY e.enqueued_at ASC, e.id ASC`, nowMs)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// PendingOutbox returns every queued entry in enqueue order.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, priority, enqueued_at, attempts, next_attempt_at, status, last_error
		FROM outbox WHERE status = 'queued' ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// MarkOutboxInflight claims a queued entry for a send attempt. Returns
// false if the entry was not queued, so two dispatchers never race on
// the same entry.
func (db *DB) MarkOutboxInflight(clientID string) (bool, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'inflight' WHERE client_id = ? AND status = 'queued'`, clientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueInflight returns every inflight entry to queued, due
// immediately. An inflight row only survives a process death mid-send,
// so this runs once at startup; without it the stuck row would block
// its chat forever. Returns the affected client IDs.
func (db *DB) RequeueInflight(nowMs int64) ([]string, error) {
	rows, err := db.Query(`SELECT client_id FROM outbox WHERE status = 'inflight'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = db.Exec(`
		UPDATE outbox SET status = 'queued', next_attempt_at = ? WHERE status = 'inflight'`, nowMs)
	return ids, err
}

// ResetOutbox returns an existing entry to queued with a fresh attempt
// schedule. Reports whether the entry exists, so callers know to insert
// one instead.
func (db *DB) ResetOutbox(clientID string, nowMs int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = 0, next_attempt_at = ?, last_error = ''
		WHERE client_id = ?`, nowMs, clientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RescheduleOutbox returns a failed attempt to the queue with an updated
// attempt count and backoff deadline.
func (db *DB) RescheduleOutbox(clientID string, attempts int, nextAttemptMs int64, errMsg string) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE client_id = ?`, attempts, nextAttemptMs, errMsg, clientID)
	return err
}

// MarkOutboxSent records a server-accepted send awaiting push
// confirmation. next_attempt_at doubles as the confirmation deadline
// marker.
func (db *DB) MarkOutboxSent(clientID string, nowMs int64) error {
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', next_attempt_at = ? WHERE client_id = ?`, nowMs, clientID)
	return err
}

// StaleSent returns sent entries whose confirmation never arrived
// before the cutoff.
func (db *DB) StaleSent(cutoffMs int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, priority, enqueued_at, attempts, next_attempt_at, status, last_error
		FROM outbox WHERE status = 'sent' AND next_attempt_at <= ?`, cutoffMs)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// DeleteOutbox removes an entry on confirmed delivery or permanent
// abandonment. Entries with an attempt in flight are never removed.
func (db *DB) DeleteOutbox(clientID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE client_id = ? AND status != 'inflight'`, clientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountChatPending counts queued and inflight entries for one chat.
func (db *DB) CountChatPending(chatID int64) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM outbox WHERE chat_id = ? AND status IN ('queued', 'inflight')`, chatID).Scan(&n)
	return n, err
}

// OldestEvictable returns the oldest queued non-critical entry for a
// chat, or nil when every pending entry is critical or in flight.
func (db *DB) OldestEvictable(chatID int64) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, chat_id, priority, enqueued_at, attempts, next_attempt_at, status, last_error
		FROM outbox
		WHERE chat_id = ? AND status = 'queued' AND priority > 0
		ORDER BY enqueued_at ASC, id ASC LIMIT 1`, chatID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func scanEntries(rows *sql.Rows) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ChatID, &e.Priority, &e.EnqueuedAt, &e.Attempts, &e.NextAttemptAt, &e.Status, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
