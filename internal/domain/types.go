package domain

import (
	"fmt"
	"time"
)

type SearchMode string

const (
	SearchModeExact       SearchMode = "exact"
	SearchModeApproximate SearchMode = "approximate"
)

type ChatPolicy struct {
	ChatID          int64  `json:"chat_id"`
	Title           string `json:"title"`
	Type            string `json:"type"`
	Enabled         bool   `json:"enabled"`
	HistoryMode     string `json:"history_mode"`
	DownloadsMode   string `json:"downloads_mode"`
	SyncCursor      string `json:"sync_cursor"`
	LastMessageUnix int64  `json:"last_message_unix"`
	LastSyncedUnix  int64  `json:"last_synced_unix"`
}

type SearchFilters struct {
	ChatIDs  []int64 `json:"chat_ids"`
	FromUnix int64   `json:"from_unix"`
	ToUnix   int64   `json:"to_unix"`
	Limit    int     `json:"limit"`
}

type SearchRequest struct {
	Query            string        `json:"query"`
	Mode             SearchMode    `json:"mode"`
	ThresholdPercent int           `json:"threshold_percent"`
	WholeMessage     bool          `json:"whole_message"`
	Filters          SearchFilters `json:"filters"`
}

type SearchResult struct {
	ChatID       int64   `json:"chat_id"`
	MsgID        int64   `json:"msg_id"`
	Timestamp    int64   `json:"timestamp"`
	ChatTitle    string  `json:"chat_title"`
	Sender       string  `json:"sender"`
	Snippet      string  `json:"snippet"`
	MessageText  string  `json:"message_text"`
	FileName     string  `json:"file_name,omitempty"`
	FileMime     string  `json:"file_mime,omitempty"`
	FileSize     int64   `json:"file_size,omitempty"`
	Score        float64 `json:"score"`
	Similarity   int     `json:"similarity,omitempty"`
	MatchedField string  `json:"matched_field,omitempty"`
	DeepLink     string  `json:"deep_link,omitempty"`
}

type Message struct {
	ChatID        int64  `json:"chat_id"`
	MsgID         int64  `json:"msg_id"`
	Timestamp     int64  `json:"timestamp"`
	EditTS        int64  `json:"edit_ts"`
	SenderID      int64  `json:"sender_id"`
	SenderDisplay string `json:"sender_display"`
	Text          string `json:"text"`
	FileName      string `json:"file_name,omitempty"`
	FileMime      string `json:"file_mime,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
	HasMedia      bool   `json:"has_media"`
	Deleted       bool   `json:"deleted"`
}

type IndexStatus struct {
	SyncState        string `json:"sync_state"`
	BackfillProgress int    `json:"backfill_progress"`
	QueueDepth       int    `json:"queue_depth"`
	LastSyncUnix     int64  `json:"last_sync_unix"`
	MCPEndpoint      string `json:"mcp_endpoint"`
	MCPEnabled       bool   `json:"mcp_enabled"`
	MCPStatus        string `json:"mcp_status"`
	MessageCount     int    `json:"message_count"`
	MediaCount       int    `json:"media_count"`
	BotRunning       bool   `json:"bot_running"`
	UpdatedAtUnix    int64  `json:"updated_at_unix"`
}

func (s *IndexStatus) Touch() {
	s.UpdatedAtUnix = time.Now().Unix()
}

type TelegramAuthStatus struct {
	Configured   bool   `json:"configured"`
	Authorized   bool   `json:"authorized"`
	AwaitingCode bool   `json:"awaiting_code"`
	Phone        string `json:"phone"`
	UserDisplay  string `json:"user_display"`
}

type TelegramQRToken struct {
	URL            string `json:"url,omitempty"`
	PNGBase64      string `json:"png_base64,omitempty"`
	ExpiresAt      int64  `json:"expires_at,omitempty"`
	PasswordNeeded bool   `json:"password_needed,omitempty"`
}

type BotStatus struct {
	Running        bool   `json:"running"`
	Username       string `json:"username"`
	AuthorizedUser int64  `json:"authorized_user"`
	StartedAtUnix  int64  `json:"started_at_unix"`
	LastError      string `json:"last_error,omitempty"`
}

type DownloadState string

const (
	DownloadPending DownloadState = "pending"
	DownloadRunning DownloadState = "running"
	DownloadDone    DownloadState = "done"
	DownloadFailed  DownloadState = "failed"
)

type DownloadTask struct {
	TaskID    string        `json:"task_id"`
	ChatID    int64         `json:"chat_id"`
	MsgID     int64         `json:"msg_id"`
	FileName  string        `json:"file_name"`
	FileMime  string        `json:"file_mime"`
	FileSize  int64         `json:"file_size"`
	State     DownloadState `json:"state"`
	Attempts  int           `json:"attempts"`
	Path      string        `json:"path,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt int64         `json:"created_at"`
	UpdatedAt int64         `json:"updated_at"`
}

// DeepLink builds a clickable link to a message. Channel messages get a
// t.me link, everything else falls back to the tg:// scheme.
func DeepLink(chatID int64, msgID int64) string {
	if chatID == 0 || msgID == 0 {
		return ""
	}
	if channelID, ok := toTmeChannelID(chatID); ok {
		return fmt.Sprintf("https://t.me/c/%d/%d", channelID, msgID)
	}
	return fmt.Sprintf("tg://openmessage?chat_id=%d&message_id=%d", chatID, msgID)
}

func toTmeChannelID(chatID int64) (int64, bool) {
	if chatID > -1000000000000 {
		return 0, false
	}
	channelID := (-chatID) - 1000000000000
	if channelID <= 0 {
		return 0, false
	}
	return channelID, true
}

type GitHubSyncStatus struct {
	Configured   bool   `json:"configured"`
	Repo         string `json:"repo"`
	Branch       string `json:"branch"`
	LastSyncUnix int64  `json:"last_sync_unix"`
	LastSHA      string `json:"last_sha,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}
