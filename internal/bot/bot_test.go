package bot

import (
	"strings"
	"testing"

	"tgpanel/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestIsAuthorized(t *testing.T) {
	if isAuthorized(&tgbotapi.User{ID: 5}, 5) != true {
		t.Fatal("expected matching user to be authorized")
	}
	if isAuthorized(&tgbotapi.User{ID: 6}, 5) {
		t.Fatal("expected mismatched user to be rejected")
	}
	if isAuthorized(nil, 5) {
		t.Fatal("expected nil sender to be rejected")
	}
	if isAuthorized(&tgbotapi.User{ID: 0}, 0) {
		t.Fatal("expected unset authorized user to reject everyone")
	}
}

func TestForwardOrigin(t *testing.T) {
	direct := &tgbotapi.Message{
		MessageID: 12,
		Chat:      &tgbotapi.Chat{ID: 777},
	}
	chatID, msgID := forwardOrigin(direct)
	if chatID != 777 || msgID != 12 {
		t.Fatalf("direct message origin = %d/%d", chatID, msgID)
	}

	forwarded := &tgbotapi.Message{
		MessageID:            12,
		Chat:                 &tgbotapi.Chat{ID: 777},
		ForwardFromChat:      &tgbotapi.Chat{ID: -100200},
		ForwardFromMessageID: 910,
	}
	chatID, msgID = forwardOrigin(forwarded)
	if chatID != -100200 || msgID != 910 {
		t.Fatalf("forwarded message origin = %d/%d", chatID, msgID)
	}
}

func TestFormatStatus(t *testing.T) {
	out := formatStatus(domain.IndexStatus{
		SyncState:    "idle",
		MessageCount: 1500,
		MediaCount:   42,
		QueueDepth:   3,
		LastSyncUnix: 1756500000,
	})
	for _, want := range []string{"idle", "1500", "42", "Download queue: 3", "Last sync:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status text missing %q:\n%s", want, out)
		}
	}
}

func TestControllerStartRequiresToken(t *testing.T) {
	ctrl := NewController(nil, nil, nil, nil)
	if err := ctrl.Start(t.Context()); err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestControllerStopWhenNotRunning(t *testing.T) {
	ctrl := NewController(nil, nil, nil, nil)
	if err := ctrl.Stop(); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestControllerStatusDefaults(t *testing.T) {
	ctrl := NewController(nil, nil, nil, nil)
	ctrl.Configure("", 99)
	status := ctrl.Status()
	if status.Running {
		t.Fatal("expected bot to report not running")
	}
	if status.AuthorizedUser != 99 {
		t.Fatalf("expected authorized user to be kept, got %d", status.AuthorizedUser)
	}
}
