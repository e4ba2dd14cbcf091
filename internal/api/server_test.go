package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tgpanel/internal/domain"
	"tgpanel/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	lastSearch   domain.SearchRequest
	lastPolicy   chatPolicyBody
	lastPolicyID int64
	enqueued     []int64
	searchErr    error
}

func (b *stubBackend) Search(_ context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	b.lastSearch = req
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return []domain.SearchResult{{ChatID: 7, MsgID: 11, Similarity: 90, MatchedField: "text"}}, nil
}

func (b *stubBackend) ListChats(context.Context) ([]domain.ChatPolicy, error) {
	return []domain.ChatPolicy{{ChatID: 7, Title: "Engineering", Enabled: true}}, nil
}

func (b *stubBackend) RefreshChats(context.Context) ([]domain.ChatPolicy, error) {
	return []domain.ChatPolicy{{ChatID: 7, Title: "Engineering"}}, nil
}

func (b *stubBackend) SetChatPolicy(_ context.Context, chatID int64, enabled bool, historyMode, downloadsMode string) error {
	b.lastPolicyID = chatID
	b.lastPolicy = chatPolicyBody{Enabled: enabled, HistoryMode: historyMode, DownloadsMode: downloadsMode}
	return nil
}

func (b *stubBackend) GetMessage(context.Context, int64, int64) (domain.Message, error) {
	return domain.Message{ChatID: 7, MsgID: 11, Text: "hello"}, nil
}

func (b *stubBackend) PurgeChat(context.Context, int64) error { return nil }
func (b *stubBackend) PurgeAll(context.Context) error         { return nil }

func (b *stubBackend) TelegramAuthStatus(context.Context) (domain.TelegramAuthStatus, error) {
	return domain.TelegramAuthStatus{Configured: true}, nil
}

func (b *stubBackend) RequestLoginCode(_ context.Context, phone string) (domain.TelegramAuthStatus, error) {
	return domain.TelegramAuthStatus{Configured: true, AwaitingCode: true, Phone: phone}, nil
}

func (b *stubBackend) SubmitLoginCode(context.Context, string, string) (domain.TelegramAuthStatus, error) {
	return domain.TelegramAuthStatus{Configured: true, Authorized: true}, nil
}

func (b *stubBackend) StartQRLogin(context.Context) error { return nil }
func (b *stubBackend) SubmitQRPassword(string)            {}
func (b *stubBackend) CancelQRLogin()                     {}

func (b *stubBackend) StartBot(context.Context) error { return nil }
func (b *stubBackend) StopBot() error                 { return nil }
func (b *stubBackend) BotStatus() domain.BotStatus    { return domain.BotStatus{Running: true} }

func (b *stubBackend) EnqueueDownload(_ context.Context, chatID, msgID int64) (domain.DownloadTask, error) {
	b.enqueued = append(b.enqueued, msgID)
	return domain.DownloadTask{TaskID: "task-1", ChatID: chatID, MsgID: msgID, State: domain.DownloadPending}, nil
}

func (b *stubBackend) ListDownloads(context.Context, int) ([]domain.DownloadTask, error) {
	return nil, nil
}

func (b *stubBackend) SyncGitHub(context.Context) (domain.GitHubSyncStatus, error) {
	return domain.GitHubSyncStatus{Configured: true, Repo: "owner/repo", LastSHA: "abc"}, nil
}

func (b *stubBackend) GitHubStatus() domain.GitHubSyncStatus {
	return domain.GitHubSyncStatus{Configured: true, Repo: "owner/repo"}
}

func (b *stubBackend) IndexStatus(context.Context) (domain.IndexStatus, error) {
	return domain.IndexStatus{SyncState: "idle", MessageCount: 5}, nil
}

func (b *stubBackend) ListSettings(context.Context) (map[string]string, error) {
	return map[string]string{"sync_interval_seconds": "60"}, nil
}

func (b *stubBackend) UpdateSetting(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T) (*Server, *stubBackend) {
	t.Helper()
	backend := &stubBackend{}
	return NewServer(backend, events.NewBus(), nil), backend
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestSearchEndpointForwardsApproximateParams(t *testing.T) {
	server, backend := newTestServer(t)

	resp := doJSON(t, server, http.MethodPost, "/api/search", map[string]any{
		"query":             "quarterly report",
		"mode":              "approximate",
		"threshold_percent": 70,
		"whole_message":     true,
		"limit":             25,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, domain.SearchModeApproximate, backend.lastSearch.Mode)
	assert.Equal(t, 70, backend.lastSearch.ThresholdPercent)
	assert.True(t, backend.lastSearch.WholeMessage)
	assert.Equal(t, 25, backend.lastSearch.Filters.Limit)

	var parsed struct {
		Results []domain.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &parsed))
	require.Len(t, parsed.Results, 1)
	assert.Equal(t, 90, parsed.Results[0].Similarity)
}

func TestSearchEndpointDefaultsToExact(t *testing.T) {
	server, backend := newTestServer(t)
	resp := doJSON(t, server, http.MethodPost, "/api/search", map[string]any{"query": "hello"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, domain.SearchModeExact, backend.lastSearch.Mode)
}

func TestSearchEndpointRejectsBadJSON(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/search", bytes.NewReader([]byte("{broken")))
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestChatPolicyEndpoint(t *testing.T) {
	server, backend := newTestServer(t)
	resp := doJSON(t, server, http.MethodPut, "/api/chats/-100/policy", map[string]any{
		"enabled":        true,
		"downloads_mode": "auto",
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(-100), backend.lastPolicyID)
	assert.True(t, backend.lastPolicy.Enabled)
	assert.Equal(t, "full", backend.lastPolicy.HistoryMode)
	assert.Equal(t, "auto", backend.lastPolicy.DownloadsMode)
}

func TestChatPolicyEndpointRejectsBadID(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server, http.MethodPut, "/api/chats/abc/policy", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestGetMessageEndpointIncludesDeepLink(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server, http.MethodGet, "/api/messages/7/11", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var parsed struct {
		DeepLink string `json:"deep_link"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &parsed))
	assert.Equal(t, "tg://openmessage?chat_id=7&message_id=11", parsed.DeepLink)
}

func TestEnqueueDownloadEndpoint(t *testing.T) {
	server, backend := newTestServer(t)
	resp := doJSON(t, server, http.MethodPost, "/api/downloads", map[string]any{
		"chat_id": -100,
		"msg_id":  42,
	})
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Len(t, backend.enqueued, 1)
	assert.Equal(t, int64(42), backend.enqueued[0])

	var task domain.DownloadTask
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &task))
	assert.Equal(t, "task-1", task.TaskID)
	assert.Equal(t, domain.DownloadPending, task.State)
}

func TestListDownloadsEndpointEmptyIsArray(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server, http.MethodGet, "/api/downloads", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"downloads":[]}`, resp.Body.String())
}

func TestBotEndpoints(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doJSON(t, server, http.MethodPost, "/api/bot/start", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doJSON(t, server, http.MethodGet, "/api/bot/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status domain.BotStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.True(t, status.Running)
}

func TestStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status domain.IndexStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.SyncState)
	assert.Equal(t, 5, status.MessageCount)
}

func TestGitHubSyncEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doJSON(t, server, http.MethodPost, "/api/github/sync", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var status domain.GitHubSyncStatus
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, "abc", status.LastSHA)
}
