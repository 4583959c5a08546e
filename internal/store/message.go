package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RecordPatch carries optional field updates applied with a state
// transition.
type RecordPatch struct {
	ServerID  int64 // 0 = leave unset
	LastError string
	IncRetry  bool
}

// InsertRecord stores a new message record.
func (db *DB) InsertRecord(r *MessageRecord) error {
	attachments, err := json.Marshal(r.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	mentions, err := json.Marshal(r.Mentions)
	if err != nil {
		return fmt.Errorf("marshal mentions: %w", err)
	}
	res, err := db.Exec(`
		INSERT INTO messages (client_id, server_id, chat_id, sender_id, content, attachments, reply_to, mentions,
			state, idempotency_key, created_at, sent_at, delivered_at, read_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ClientID, r.ServerID, r.ChatID, r.SenderID, r.Content, string(attachments), r.ReplyTo, string(mentions),
		r.State, r.IdempotencyKey, r.CreatedAt, r.SentAt, r.DeliveredAt, r.ReadAt, r.RetryCount, r.LastError)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// GetRecord returns the record with the given client ID, or nil if absent.
func (db *DB) GetRecord(clientID string) (*MessageRecord, error) {
	return db.queryRecord(`WHERE client_id = ?`, clientID)
}

// FindByIdempotencyKey returns the record carrying the given key, or nil.
func (db *DB) FindByIdempotencyKey(key string) (*MessageRecord, error) {
	if key == "" {
		return nil, nil
	}
	return db.queryRecord(`WHERE idempotency_key = ?`, key)
}

// FindFingerprint returns the oldest unresolved outbound record whose
// chat, sender and content match and whose creation falls inside
// [sinceMs, untilMs]. Used as the fallback when a push event carries no
// idempotency key echo.
func (db *DB) FindFingerprint(chatID, senderID int64, content string, sinceMs, untilMs int64) (*MessageRecord, error) {
	return db.queryRecord(`
		WHERE chat_id = ? AND sender_id = ? AND content = ?
		  AND state IN ('queued', 'sending', 'sent')
		  AND created_at BETWEEN ? AND ?
		ORDER BY created_at ASC LIMIT 1`,
		chatID, senderID, content, sinceMs, untilMs)
}

const recordColumns = `id, client_id, server_id, chat_id, sender_id, content, attachments, reply_to, mentions,
	state, idempotency_key, created_at, sent_at, delivered_at, read_at, retry_count, last_error`

func (db *DB) queryRecord(clause string, args ...any) (*MessageRecord, error) {
	row := db.QueryRow(`SELECT `+recordColumns+` FROM messages `+clause, args...)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRecord(scan func(...any) error) (*MessageRecord, error) {
	var r MessageRecord
	var attachments, mentions string
	err := scan(&r.ID, &r.ClientID, &r.ServerID, &r.ChatID, &r.SenderID, &r.Content, &attachments, &r.ReplyTo, &mentions,
		&r.State, &r.IdempotencyKey, &r.CreatedAt, &r.SentAt, &r.DeliveredAt, &r.ReadAt, &r.RetryCount, &r.LastError)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &r.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(mentions), &r.Mentions); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	return &r, nil
}

// TransitionRecord moves a record from one of the given states to the
// target state, applying the patch atomically. Returns false when the
// record was not in an eligible state, which callers use to guarantee
// at-most-once resolution. server_id is never overwritten once set.
func (db *DB) TransitionRecord(clientID string, from []MessageState, to MessageState, nowMs int64, patch RecordPatch) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition %s: empty source state set", clientID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	set := `state = ?, server_id = CASE WHEN server_id = 0 THEN ? ELSE server_id END, last_error = ?`
	args := []any{to, patch.ServerID, patch.LastError}
	switch to {
	case StateSent:
		set += `, sent_at = ?`
		args = append(args, nowMs)
	case StateDelivered:
		set += `, delivered_at = ?`
		args = append(args, nowMs)
	}
	if patch.IncRetry {
		set += `, retry_count = retry_count + 1`
	}

	args = append(args, clientID)
	for _, s := range from {
		args = append(args, s)
	}

	res, err := db.Exec(`UPDATE messages SET `+set+` WHERE client_id = ? AND state IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertInbound stores a record for a message originating elsewhere.
// Idempotent on (chat_id, server_id): replayed events are ignored.
func (db *DB) UpsertInbound(r *MessageRecord) error {
	attachments, err := json.Marshal(r.Attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO messages (client_id, server_id, chat_id, sender_id, content, attachments, state, idempotency_key,
			created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		r.ClientID, r.ServerID, r.ChatID, r.SenderID, r.Content, string(attachments), StateDelivered, r.IdempotencyKey,
		r.CreatedAt, r.DeliveredAt)
	if err != nil {
		return fmt.Errorf("upsert inbound: %w", err)
	}
	return nil
}

// MarkRead records a read receipt on a delivered message.
func (db *DB) MarkRead(chatID, serverID, readAtMs int64) error {
	_, err := db.Exec(`
		UPDATE messages SET read_at = ? WHERE chat_id = ? AND server_id = ? AND read_at = 0`,
		readAtMs, chatID, serverID)
	return err
}

// FailInflight forces every record stuck in sending into failed, so a
// disconnect re-routes them through the retry path instead of leaving
// them stranded. Returns the affected client IDs.
func (db *DB) FailInflight(errMsg string) ([]string, error) {
	rows, err := db.Query(`SELECT client_id FROM messages WHERE state = 'sending'`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := db.Exec(`UPDATE messages SET state = 'failed', last_error = ? WHERE state = 'sending'`, errMsg); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ListRecords returns records for a chat using keyset pagination by creation time.
func (db *DB) ListRecords(chatID int64, beforeMs int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = int64(1) << 62
	}
	rows, err := db.Query(`SELECT `+recordColumns+` FROM messages
		WHERE chat_id = ? AND created_at < ?
		ORDER BY created_at DESC LIMIT ?`, chatID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []MessageRecord
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// ClearChat deletes a chat's records. Records still in an active state
// are kept; they are owned by the delivery machinery until resolved.
func (db *DB) ClearChat(chatID int64) (int64, error) {
	res, err := db.Exec(`
		DELETE FROM messages WHERE chat_id = ? AND state NOT IN ('sending', 'sent')`, chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
