package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"tgpanel/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(t.Context()))
	return store
}

func seedChat(t *testing.T, store *Store, chatID int64, title string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, store.UpsertDiscoveredChat(ctx, chatID, title, "group"))
	require.NoError(t, store.SetChatPolicy(ctx, chatID, true, "full", "manual"))
}

func TestSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	value, err := store.GetSetting(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", value)

	require.NoError(t, store.SetSetting(ctx, "telegram_api_id", "12345"))
	require.NoError(t, store.SetSetting(ctx, "telegram_api_id", "54321"))

	parsed, err := store.GetSettingInt(ctx, "telegram_api_id", 0)
	require.NoError(t, err)
	assert.Equal(t, 54321, parsed)
}

func TestScrubSecretSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SetSetting(ctx, "github_token", "ghp_secret"))
	require.NoError(t, store.SetSetting(ctx, "telegram_api_hash", "abcdef"))
	require.NoError(t, store.SetSetting(ctx, "github_repo", "owner/repo"))

	require.NoError(t, store.ScrubSecretSettings(ctx))

	settings, err := store.ListSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings["github_token"])
	assert.Empty(t, settings["telegram_api_hash"])
	assert.Equal(t, "owner/repo", settings["github_repo"])
}

func TestSetChatPolicyUnknownChat(t *testing.T) {
	store := newTestStore(t)
	err := store.SetChatPolicy(t.Context(), 99, true, "full", "manual")
	require.Error(t, err)
}

func TestDiscoveredChatKeepsPolicy(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "Old Title")

	// Re-discovering an existing chat refreshes the title only.
	require.NoError(t, store.UpsertDiscoveredChat(ctx, -100, "New Title", "group"))

	chat, err := store.GetChatPolicy(ctx, -100)
	require.NoError(t, err)
	assert.Equal(t, "New Title", chat.Title)
	assert.True(t, chat.Enabled)
}

func TestExactSearchRanksAndSnippets(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "Work")

	messages := []domain.Message{
		{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "quarterly report is ready"},
		{ChatID: -100, MsgID: 2, Timestamp: 2000, Text: "report report report draft"},
		{ChatID: -100, MsgID: 3, Timestamp: 3000, Text: "lunch plans"},
	}
	for _, msg := range messages {
		require.NoError(t, store.UpsertMessage(ctx, msg))
	}

	results, err := store.Search(ctx, domain.SearchRequest{
		Query: "report",
		Mode:  domain.SearchModeExact,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, result := range results {
		assert.Equal(t, int64(-100), result.ChatID)
		assert.Equal(t, "Work", result.ChatTitle)
		assert.Contains(t, result.Snippet, "<mark>")
	}
}

func TestSearchSkipsDisabledChatsAndDeleted(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "Enabled")
	seedChat(t, store, -200, "Disabled")
	require.NoError(t, store.SetChatPolicy(ctx, -200, false, "full", "manual"))

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "budget review"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 2, Timestamp: 2000, Text: "budget follow-up"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -200, MsgID: 1, Timestamp: 3000, Text: "budget leak"}))
	require.NoError(t, store.MarkMessageDeleted(ctx, -100, 2))

	results, err := store.Search(ctx, domain.SearchRequest{Query: "budget", Mode: domain.SearchModeExact})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].MsgID)
	assert.Equal(t, int64(-100), results[0].ChatID)
}

func TestSearchDateAndChatFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "A")
	seedChat(t, store, -200, "B")

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "invoice january"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 2, Timestamp: 5000, Text: "invoice may"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -200, MsgID: 1, Timestamp: 5000, Text: "invoice other"}))

	results, err := store.Search(ctx, domain.SearchRequest{
		Query: "invoice",
		Mode:  domain.SearchModeExact,
		Filters: domain.SearchFilters{
			ChatIDs:  []int64{-100},
			FromUnix: 2000,
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(2), results[0].MsgID)
}

func TestFileNameIndexing(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "Files")

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{
		ChatID: -100, MsgID: 7, Timestamp: 1000,
		FileName: "annual_budget_2026.xlsx",
		FileMime: "application/vnd.ms-excel",
		FileSize: 4096,
		HasMedia: true,
	}))

	results, err := store.Search(ctx, domain.SearchRequest{Query: "annual_budget_2026", Mode: domain.SearchModeExact})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "annual_budget_2026.xlsx", results[0].FileName)
}

func TestListSearchCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "A")

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "first"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 2, Timestamp: 2000, Text: "second"}))
	require.NoError(t, store.MarkMessageDeleted(ctx, -100, 1))

	candidates, err := store.ListSearchCandidates(ctx, domain.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(2), candidates[0].MsgID)
	assert.Equal(t, "second", candidates[0].Text)
}

func TestLookupResults(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "A")

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "alpha", SenderDisplay: "Ann"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 2, Timestamp: 2000, Text: "beta"}))

	rows, err := store.LookupResults(ctx, -100, []int64{1, 2, 99})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha", rows[1].MessageText)
	assert.Equal(t, "Ann", rows[1].Sender)
	assert.Equal(t, "A", rows[2].ChatTitle)
}

func TestDownloadQueueLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "Files")

	now := time.Now().Unix()
	task := domain.DownloadTask{
		TaskID: "task-1", ChatID: -100, MsgID: 5,
		FileName: "doc.pdf", State: domain.DownloadPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.EnqueueDownload(ctx, task))

	claimed, ok, err := store.ClaimDownload(ctx, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "task-1", claimed.TaskID)
	assert.Equal(t, domain.DownloadRunning, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)

	// Nothing else pending.
	_, ok, err = store.ClaimDownload(ctx, now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.RetryDownload(ctx, "task-1", now+3600, "flood wait"))
	_, ok, err = store.ClaimDownload(ctx, now)
	require.NoError(t, err)
	assert.False(t, ok, "retry is not due yet")

	claimed, ok, err = store.ClaimDownload(ctx, now+3601)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, claimed.Attempts)

	require.NoError(t, store.CompleteDownload(ctx, "task-1", "/data/doc.pdf"))
	list, err := store.ListDownloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.DownloadDone, list[0].State)
	assert.Equal(t, "/data/doc.pdf", list[0].Path)
}

func TestEnqueueDownloadResurrectsFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "Files")

	now := time.Now().Unix()
	first := domain.DownloadTask{TaskID: "t1", ChatID: -100, MsgID: 5, State: domain.DownloadPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.EnqueueDownload(ctx, first))
	require.NoError(t, store.FailDownload(ctx, "t1", "file too large"))

	second := domain.DownloadTask{TaskID: "t2", ChatID: -100, MsgID: 5, State: domain.DownloadPending, CreatedAt: now + 1, UpdatedAt: now + 1}
	require.NoError(t, store.EnqueueDownload(ctx, second))

	list, err := store.ListDownloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.DownloadPending, list[0].State)
}

func TestPurgeChatData(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "A")
	seedChat(t, store, -200, "B")

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "gone"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -200, MsgID: 1, Timestamp: 1000, Text: "kept"}))

	require.NoError(t, store.PurgeChatData(ctx, -100))

	_, err := store.GetMessage(ctx, -100, 1)
	require.Error(t, err)

	results, err := store.Search(ctx, domain.SearchRequest{Query: "kept", Mode: domain.SearchModeExact})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestGetIndexStatusCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	seedChat(t, store, -100, "A")

	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 1, Timestamp: 1000, Text: "hello"}))
	require.NoError(t, store.UpsertMessage(ctx, domain.Message{ChatID: -100, MsgID: 2, Timestamp: 2000, FileName: "a.pdf", HasMedia: true}))

	now := time.Now().Unix()
	require.NoError(t, store.EnqueueDownload(ctx, domain.DownloadTask{TaskID: "t1", ChatID: -100, MsgID: 2, State: domain.DownloadPending, CreatedAt: now, UpdatedAt: now}))

	status, err := store.GetIndexStatus(ctx, "http://127.0.0.1:8091/mcp", true, "running")
	require.NoError(t, err)
	assert.Equal(t, 2, status.MessageCount)
	assert.Equal(t, 1, status.MediaCount)
	assert.Equal(t, 1, status.QueueDepth)
	assert.True(t, status.MCPEnabled)
}

func TestSeedDemoDataOnlyWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.SeedDemoData(ctx))
	chats, err := store.ListChats(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, chats)

	// A second call must not duplicate anything.
	require.NoError(t, store.SeedDemoData(ctx))
	again, err := store.ListChats(ctx)
	require.NoError(t, err)
	assert.Len(t, again, len(chats))

	candidates, err := store.ListSearchCandidates(ctx, domain.SearchFilters{})
	require.NoError(t, err)
	assert.NotEmpty(t, candidates)
}

func TestExportDatabaseSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, store.SetSetting(ctx, "github_repo", "owner/repo"))

	snapshotPath := filepath.Join(t.TempDir(), "snap.db")
	require.NoError(t, store.ExportDatabaseSnapshot(ctx, snapshotPath))

	snapshot, err := Open(snapshotPath)
	require.NoError(t, err)
	defer snapshot.Close()

	value, err := snapshot.GetSetting(ctx, "github_repo", "")
	require.NoError(t, err)
	assert.Equal(t, "owner/repo", value)
}
