package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func TestParseCursor(t *testing.T) {
	value, ok := parseCursor("123")
	if !ok || value != 123 {
		t.Fatalf("expected cursor=123, ok=true, got %d, %v", value, ok)
	}

	_, ok = parseCursor("0")
	if ok {
		t.Fatal("expected zero cursor to be invalid")
	}

	_, ok = parseCursor("abc")
	if ok {
		t.Fatal("expected non-numeric cursor to be invalid")
	}
}

func TestResolveSenderUser(t *testing.T) {
	msg := &tg.Message{}
	msg.SetFromID(&tg.PeerUser{UserID: 42})

	lookup := entityLookup{
		users: map[int64]*tg.User{
			42: {
				ID:        42,
				FirstName: "Alice",
				LastName:  "Smith",
			},
		},
		chats:    map[int64]*tg.Chat{},
		channels: map[int64]*tg.Channel{},
	}

	senderID, sender := resolveSender(msg, lookup)
	if senderID != 42 {
		t.Fatalf("expected senderID=42, got %d", senderID)
	}
	if sender != "Alice Smith" {
		t.Fatalf("expected sender name to be resolved, got %q", sender)
	}
}

func TestResolveSenderFallback(t *testing.T) {
	msg := &tg.Message{}
	msg.Out = true
	senderID, sender := resolveSender(msg, entityLookup{
		users:    map[int64]*tg.User{},
		chats:    map[int64]*tg.Chat{},
		channels: map[int64]*tg.Channel{},
	})
	if senderID != 0 || sender != "You" {
		t.Fatalf("expected outgoing fallback sender, got %d %q", senderID, sender)
	}
}

func TestExtractMediaRefsAnyDocument(t *testing.T) {
	msg := &tg.Message{ID: 7, Date: 1700000000}
	msg.Media = &tg.MessageMediaDocument{
		Document: &tg.Document{
			ID:         1001,
			AccessHash: 2002,
			MimeType:   "video/mp4",
			Size:       4096,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			},
		},
	}

	refs := extractMediaRefs(-555, msg)
	if len(refs) != 1 {
		t.Fatalf("expected one media ref, got %d", len(refs))
	}
	ref := refs[0]
	if ref.ChatID != -555 || ref.MsgID != 7 {
		t.Fatalf("unexpected ref identity: %+v", ref)
	}
	if ref.FileName != "clip.mp4" || ref.MimeType != "video/mp4" || ref.Size != 4096 {
		t.Fatalf("unexpected ref metadata: %+v", ref)
	}
}

func TestExtractMediaRefsNoDocument(t *testing.T) {
	if refs := extractMediaRefs(-555, &tg.Message{ID: 8}); len(refs) != 0 {
		t.Fatalf("expected no refs for text message, got %d", len(refs))
	}
}

func TestToDomainMessageCarriesDocumentMeta(t *testing.T) {
	msg := &tg.Message{ID: 9, Date: 1700000100, Message: "report attached"}
	msg.Media = &tg.MessageMediaDocument{
		Document: &tg.Document{
			ID:         11,
			AccessHash: 22,
			MimeType:   "application/pdf",
			Size:       1234,
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: "q3_report.pdf"},
			},
		},
	}

	out := toDomainMessage(-10, msg, entityLookup{
		users:    map[int64]*tg.User{},
		chats:    map[int64]*tg.Chat{},
		channels: map[int64]*tg.Channel{},
	})
	if !out.HasMedia {
		t.Fatal("expected HasMedia to be set")
	}
	if out.FileName != "q3_report.pdf" || out.FileMime != "application/pdf" || out.FileSize != 1234 {
		t.Fatalf("unexpected document metadata: %+v", out)
	}
	if out.Text != "report attached" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
}

func TestAdaptiveBatchFloorAndRecovery(t *testing.T) {
	svc := NewService("test-session")
	if got := svc.currentAdaptiveBatchSize(); got != historyBatchSize {
		t.Fatalf("expected default adaptive batch %d, got %d", historyBatchSize, got)
	}

	svc.noteAdaptiveBatchFlood(101, 4*time.Second)
	lowered := svc.currentAdaptiveBatchSize()
	if lowered >= historyBatchSize {
		t.Fatalf("expected adaptive batch to shrink, got %d", lowered)
	}
	if lowered < minHistoryBatchSize {
		t.Fatalf("expected adaptive batch >= %d, got %d", minHistoryBatchSize, lowered)
	}

	for i := 0; i < historySuccessBumpThreshold; i++ {
		svc.noteAdaptiveBatchSuccess()
	}
	if grown := svc.currentAdaptiveBatchSize(); grown <= lowered {
		t.Fatalf("expected adaptive batch to recover from %d, got %d", lowered, grown)
	}
}

func TestHistoryFloodCacheExpires(t *testing.T) {
	svc := NewService("test-session")
	svc.noteAdaptiveBatchFlood(202, 3*time.Second)
	if !svc.historyFloodBlocked(202) {
		t.Fatal("expected chat to be blocked by flood cache")
	}

	svc.throttleMu.Lock()
	svc.floodUntilByChat[202] = time.Now().Add(-1 * time.Second)
	svc.throttleMu.Unlock()

	if svc.historyFloodBlocked(202) {
		t.Fatal("expected expired flood cache entry to be cleared")
	}
}

func TestCappedBufferEnforcesMax(t *testing.T) {
	var buf cappedBuffer
	buf.Max = 4
	if _, err := buf.Write([]byte("abcd")); err != nil {
		t.Fatalf("expected write within cap to succeed: %v", err)
	}
	if _, err := buf.Write([]byte("e")); err == nil {
		t.Fatal("expected write past cap to fail")
	}
}
