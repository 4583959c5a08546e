package conn

import (
	"strings"
	"testing"

	"github.com/mvales/courier/internal/bus"
)

func TestParseNewMessage(t *testing.T) {
	data := `{"id":42,"chat_id":7,"sender_id":3,"content":"hello","files":["a.png"],"created_at":"2026-08-30T10:00:00Z","idempotency_key":"k-1"}`

	kind, payload, err := parseEvent(eventNewMessage, []byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != bus.KindPushMessage {
		t.Fatalf("kind = %s, want %s", kind, bus.KindPushMessage)
	}
	ev := payload.(MessageEvent)
	if ev.ServerID != 42 || ev.ChatID != 7 || ev.SenderID != 3 {
		t.Fatalf("ids = %+v", ev)
	}
	if ev.Content != "hello" || len(ev.Files) != 1 || ev.IdempotencyKey != "k-1" {
		t.Fatalf("body = %+v", ev)
	}
}

func TestParseMembershipDirection(t *testing.T) {
	data := []byte(`{"chat_id":7,"user_id":3}`)

	kind, payload, err := parseEvent(eventJoined, data)
	if err != nil || kind != bus.KindPushMember {
		t.Fatalf("joined: kind=%s err=%v", kind, err)
	}
	if !payload.(MemberEvent).Joined {
		t.Fatal("joined event parsed as a leave")
	}

	_, payload, err = parseEvent(eventLeft, data)
	if err != nil {
		t.Fatalf("left: %v", err)
	}
	if payload.(MemberEvent).Joined {
		t.Fatal("left event parsed as a join")
	}
}

func TestParseKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind string
	}{
		{eventRead, `{"message_id":42,"chat_id":7,"reader_id":9}`, bus.KindPushRead},
		{eventTyping, `{"chat_id":7,"user_id":9,"is_typing":true}`, bus.KindPushTyping},
		{eventPresence, `{"user_id":9,"status":"online"}`, bus.KindPushPresence},
		{eventDuplicate, `{"idempotency_key":"k-1","chat_id":7,"sender_id":3}`, bus.KindPushDuplicate},
	}
	for _, tt := range tests {
		kind, payload, err := parseEvent(tt.name, []byte(tt.data))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if kind != tt.kind {
			t.Fatalf("%s: kind = %s, want %s", tt.name, kind, tt.kind)
		}
		if payload == nil {
			t.Fatalf("%s: nil payload", tt.name)
		}
	}
}

func TestParseUnknownEventIgnored(t *testing.T) {
	kind, payload, err := parseEvent("ServerAnnouncement", []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("unknown event returned error: %v", err)
	}
	if kind != "" || payload != nil {
		t.Fatalf("unknown event decoded: kind=%q payload=%v", kind, payload)
	}
}

func TestParseMalformedPayload(t *testing.T) {
	if _, _, err := parseEvent(eventNewMessage, []byte(`{"id":"not-a-number"`)); err == nil {
		t.Fatal("malformed payload accepted")
	}
}

func TestReadStreamFraming(t *testing.T) {
	raw := strings.Join([]string{
		": keepalive",
		"event: NewMessage",
		"data: {\"id\":1,",
		"data: \"chat_id\":2}",
		"",
		"event: MessageRead",
		"data: {}",
		"",
	}, "\n") + "\n"

	ch := make(chan sseMsg, 8)
	readStream(strings.NewReader(raw), ch)

	var msgs []sseMsg
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	// keepalive, two frames, then the end-of-stream error.
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(msgs), msgs)
	}
	if msgs[0].event != "" || msgs[0].data != "" || msgs[0].err != nil {
		t.Fatalf("first message is not a keepalive: %+v", msgs[0])
	}
	if msgs[1].event != eventNewMessage {
		t.Fatalf("frame event = %q", msgs[1].event)
	}
	if want := "{\"id\":1,\n\"chat_id\":2}"; msgs[1].data != want {
		t.Fatalf("multi-line data = %q, want %q", msgs[1].data, want)
	}
	if msgs[2].event != eventRead || msgs[2].data != "{}" {
		t.Fatalf("second frame = %+v", msgs[2])
	}
	if msgs[3].err == nil {
		t.Fatal("stream end did not surface an error")
	}
}
