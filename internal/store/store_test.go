package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func outboundRecord(clientID string, chatID int64) *MessageRecord {
	return &MessageRecord{
		ClientID:       clientID,
		ChatID:         chatID,
		SenderID:       7,
		Content:        "hello",
		State:          StateQueued,
		IdempotencyKey: "idem-" + clientID,
		CreatedAt:      1000,
	}
}

func TestInsertAndGetRecord(t *testing.T) {
	db := testDB(t)

	r := outboundRecord("c1", 1)
	r.Attachments = []string{"file-a", "file-b"}
	r.Mentions = []int64{42}
	if err := db.InsertRecord(r); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	got, err := db.GetRecord("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetRecord returned nil")
	}
	if got.State != StateQueued || got.Content != "hello" {
		t.Errorf("record = %+v", got)
	}
	if len(got.Attachments) != 2 || got.Attachments[1] != "file-b" {
		t.Errorf("attachments = %v", got.Attachments)
	}
	if len(got.Mentions) != 1 || got.Mentions[0] != 42 {
		t.Errorf("mentions = %v", got.Mentions)
	}
}

func TestGetRecordMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.GetRecord("nope")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestDuplicateClientIDRejected(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	dup := outboundRecord("c1", 1)
	dup.IdempotencyKey = "other"
	if err := db.InsertRecord(dup); err == nil {
		t.Error("duplicate client_id should be rejected")
	}
}

func TestTransitionGuardsSourceState(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}

	// queued -> delivered is not attempted by callers; the guard itself
	// only moves rows actually in the source set.
	ok, err := db.TransitionRecord("c1", []MessageState{StateSent}, StateDelivered, 2000, RecordPatch{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("transition from wrong source state should not apply")
	}

	ok, err = db.TransitionRecord("c1", []MessageState{StateQueued}, StateSending, 2000, RecordPatch{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("queued -> sending should apply")
	}
}

func TestServerIDSetAtMostOnce(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TransitionRecord("c1", []MessageState{StateQueued}, StateSending, 2000, RecordPatch{}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TransitionRecord("c1", []MessageState{StateSending}, StateSent, 2100, RecordPatch{ServerID: 555}); err != nil {
		t.Fatal(err)
	}
	// A later transition with a different server ID must not overwrite.
	if _, err := db.TransitionRecord("c1", []MessageState{StateSent}, StateDelivered, 2200, RecordPatch{ServerID: 999}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRecord("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerID != 555 {
		t.Errorf("server_id = %d, want 555 (set at most once)", got.ServerID)
	}
	if got.SentAt != 2100 || got.DeliveredAt != 2200 {
		t.Errorf("sent_at = %d, delivered_at = %d", got.SentAt, got.DeliveredAt)
	}
}

func TestTransitionAppliesOnlyOnce(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TransitionRecord("c1", []MessageState{StateQueued}, StateSending, 0, RecordPatch{}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TransitionRecord("c1", []MessageState{StateSending}, StateSent, 0, RecordPatch{}); err != nil {
		t.Fatal(err)
	}

	first, err := db.TransitionRecord("c1", []MessageState{StateQueued, StateSending, StateSent}, StateDelivered, 0, RecordPatch{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.TransitionRecord("c1", []MessageState{StateQueued, StateSending, StateSent}, StateDelivered, 0, RecordPatch{})
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("resolution applied (first=%v, second=%v), want exactly once", first, second)
	}
}

func TestFindFingerprint(t *testing.T) {
	db := testDB(t)
	r := outboundRecord("c1", 3)
	r.CreatedAt = 5000
	if err := db.InsertRecord(r); err != nil {
		t.Fatal(err)
	}

	got, err := db.FindFingerprint(3, 7, "hello", 4000, 6000)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ClientID != "c1" {
		t.Fatalf("FindFingerprint = %+v, want c1", got)
	}

	// Outside the window: no match.
	got, err = db.FindFingerprint(3, 7, "hello", 6000, 7000)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("match outside window: %+v", got)
	}

	// Different content: no match.
	got, err = db.FindFingerprint(3, 7, "goodbye", 4000, 6000)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("match with wrong content: %+v", got)
	}
}

func TestUpsertInboundIdempotent(t *testing.T) {
	db := testDB(t)
	inbound := &MessageRecord{
		ClientID: "in-1", ServerID: 77, ChatID: 2, SenderID: 9,
		Content: "hi", CreatedAt: 100, DeliveredAt: 100,
	}
	if err := db.UpsertInbound(inbound); err != nil {
		t.Fatal(err)
	}
	// Replayed event: same chat + server id, new client id.
	replay := &MessageRecord{
		ClientID: "in-2", ServerID: 77, ChatID: 2, SenderID: 9,
		Content: "hi", CreatedAt: 100, DeliveredAt: 100,
	}
	if err := db.UpsertInbound(replay); err != nil {
		t.Fatal(err)
	}

	records, err := db.ListRecords(2, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want 1 (replay ignored)", len(records))
	}
}

func TestFailInflight(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"c1", "c2"} {
		if err := db.InsertRecord(outboundRecord(id, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.TransitionRecord("c1", []MessageState{StateQueued}, StateSending, 0, RecordPatch{}); err != nil {
		t.Fatal(err)
	}

	ids, err := db.FailInflight("disconnected")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("failed ids = %v, want [c1]", ids)
	}

	got, _ := db.GetRecord("c1")
	if got.State != StateFailed || got.LastError != "disconnected" {
		t.Errorf("record = %+v, want failed/disconnected", got)
	}
	untouched, _ := db.GetRecord("c2")
	if untouched.State != StateQueued {
		t.Errorf("queued record was touched: %+v", untouched)
	}
}

func TestClearChatKeepsActive(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertRecord(outboundRecord("c2", 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TransitionRecord("c2", []MessageState{StateQueued}, StateSending, 0, RecordPatch{}); err != nil {
		t.Fatal(err)
	}

	n, err := db.ClearChat(1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	active, _ := db.GetRecord("c2")
	if active == nil {
		t.Error("active record must survive chat clear")
	}
}

func TestHeadEntriesPerChatOrdering(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"a1", "a2", "b1"} {
		chat := int64(1)
		if id == "b1" {
			chat = 2
		}
		if err := db.InsertRecord(outboundRecord(id, chat)); err != nil {
			t.Fatal(err)
		}
		e := &OutboxEntry{ClientID: id, ChatID: chat, Priority: PriorityNormal, EnqueuedAt: int64(100 + i), Status: OutboxQueued}
		if err := db.EnqueueOutbox(e); err != nil {
			t.Fatal(err)
		}
	}

	heads, err := db.HeadEntries(99999)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 2 {
		t.Fatalf("got %d heads, want 2 (one per chat)", len(heads))
	}
	if heads[0].ClientID != "a1" || heads[1].ClientID != "b1" {
		t.Errorf("heads = %s, %s; want a1, b1", heads[0].ClientID, heads[1].ClientID)
	}

	// An inflight head blocks its chat entirely.
	if _, err := db.MarkOutboxInflight("a1"); err != nil {
		t.Fatal(err)
	}
	heads, err = db.HeadEntries(99999)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 1 || heads[0].ClientID != "b1" {
		t.Errorf("heads with chat 1 blocked = %+v, want only b1", heads)
	}
}

func TestHeadEntriesHonorBackoff(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	e := &OutboxEntry{ClientID: "c1", ChatID: 1, EnqueuedAt: 100, NextAttemptAt: 5000, Status: OutboxQueued}
	if err := db.EnqueueOutbox(e); err != nil {
		t.Fatal(err)
	}

	heads, err := db.HeadEntries(4999)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 0 {
		t.Errorf("entry not yet due should not be a head: %+v", heads)
	}

	heads, err = db.HeadEntries(5000)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 1 {
		t.Error("entry should be due at its deadline")
	}
}

func TestMarkOutboxInflightClaimsOnce(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: 1, EnqueuedAt: 1, Status: OutboxQueued}); err != nil {
		t.Fatal(err)
	}

	first, err := db.MarkOutboxInflight("c1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.MarkOutboxInflight("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("claim (first=%v, second=%v), want exactly once", first, second)
	}
}

func TestDeleteOutboxRefusesInflight(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: 1, EnqueuedAt: 1, Status: OutboxQueued}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkOutboxInflight("c1"); err != nil {
		t.Fatal(err)
	}

	ok, err := db.DeleteOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("inflight entry must not be deleted")
	}

	if err := db.MarkOutboxSent("c1", 10); err != nil {
		t.Fatal(err)
	}
	ok, err = db.DeleteOutbox("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("sent entry should be deletable")
	}
}

func TestStaleSent(t *testing.T) {
	db := testDB(t)
	if err := db.InsertRecord(outboundRecord("c1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(&OutboxEntry{ClientID: "c1", ChatID: 1, EnqueuedAt: 1, Status: OutboxQueued}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkOutboxInflight("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c1", 1000); err != nil {
		t.Fatal(err)
	}

	stale, err := db.StaleSent(999)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Error("entry inside the confirmation window is not stale")
	}

	stale, err = db.StaleSent(1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ClientID != "c1" {
		t.Errorf("stale = %+v, want c1", stale)
	}
}

func TestOldestEvictableSkipsCritical(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"crit", "norm1", "norm2"} {
		if err := db.InsertRecord(outboundRecord(id, 1)); err != nil {
			t.Fatal(err)
		}
		prio := PriorityNormal
		if id == "crit" {
			prio = PriorityCritical
		}
		if err := db.EnqueueOutbox(&OutboxEntry{ClientID: id, ChatID: 1, Priority: prio, EnqueuedAt: int64(i), Status: OutboxQueued}); err != nil {
			t.Fatal(err)
		}
	}

	e, err := db.OldestEvictable(1)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.ClientID != "norm1" {
		t.Errorf("evictable = %+v, want norm1 (critical skipped)", e)
	}
}
