package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgpanel/internal/api"
	"tgpanel/internal/bot"
	"tgpanel/internal/config"
	"tgpanel/internal/domain"
	"tgpanel/internal/downloads"
	"tgpanel/internal/events"
	"tgpanel/internal/github"
	"tgpanel/internal/mcpserver"
	"tgpanel/internal/similarity"
	"tgpanel/internal/store/sqlite"
	"tgpanel/internal/telegram"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const syncInterval = 60 * time.Second
const syncMaxMessagesPerRun = 600
const realtimeBurst = 10 * time.Minute
const githubSyncInterval = 6 * time.Hour
const githubSnapshotPath = "backups/app.db"

// Applied when a search request leaves the threshold unset.
const defaultSimilarityThreshold = 70

const (
	settingTelegramAPIID     = "telegram_api_id"
	settingTelegramAPIHash   = "telegram_api_hash"
	settingBotToken          = "bot_token"
	settingBotAuthorizedUser = "bot_authorized_user"
	settingGitHubToken       = "github_token"
	settingGitHubRepo        = "github_repo"
	settingGitHubBranch      = "github_branch"
)

type App struct {
	cfg    config.Config
	logger *zap.Logger

	store       *sqlite.Store
	telegramSvc *telegram.Service
	botCtrl     *bot.Controller
	worker      *downloads.Worker
	githubCli   *github.Client
	bus         *events.Bus
	mcpSrv      *mcpserver.Server
	apiSrv      *api.Server

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	workersWG sync.WaitGroup
	syncRunMu sync.Mutex

	statusMu         sync.Mutex
	syncState        string
	backfillProgress int
	lastSyncUnix     int64

	githubMu     sync.Mutex
	githubStatus domain.GitHubSyncStatus

	qrLoginMu      sync.Mutex
	qrLoginRunning bool
}

func NewApp(cfg config.Config, logger *zap.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger,
		bus:       events.NewBus(),
		syncState: "starting",
	}
}

func (a *App) Startup(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.Open(a.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.store = store

	if a.cfg.DemoSeed {
		if err := a.store.SeedDemoData(ctx); err != nil {
			a.logger.Warn("seeding demo data failed", zap.Error(err))
		}
	}

	a.telegramSvc = telegram.NewService(a.cfg.SessionPath())
	a.botCtrl = bot.NewController(a, a, a.bus, a.logger.Named("bot"))
	a.worker = downloads.NewWorker(a.store, a.telegramSvc, a.bus, a.logger.Named("downloads"), downloads.WorkerOptions{
		Root: a.cfg.DownloadsDir(),
	})

	if err := a.seedSettingsFromEnv(ctx); err != nil {
		a.logger.Warn("seeding settings from environment failed", zap.Error(err))
	}
	a.configureTelegramFromStore(ctx)
	a.configureBotFromStore(ctx)
	a.configureGitHubFromStore(ctx)

	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())
	a.startWorkers()

	if a.cfg.MCPEnabled {
		a.mcpSrv = mcpserver.New(a)
		if err := a.mcpSrv.Start(a.cfg.MCPListenAddr); err != nil {
			a.logger.Warn("mcp server failed to start", zap.Error(err))
			a.mcpSrv = nil
		}
	}

	a.apiSrv = api.NewServer(a, a.bus, a.logger.Named("api"))
	if err := a.apiSrv.Start(a.cfg.ListenAddr); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	a.setSyncStatus("idle", 0, 0)
	a.logger.Info("application started",
		zap.String("data_dir", a.cfg.DataDir),
		zap.String("listen_addr", a.cfg.ListenAddr))
	return nil
}

func (a *App) Shutdown(ctx context.Context) {
	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.workersWG.Wait()

	_ = a.botCtrl.Stop()
	if a.mcpSrv != nil {
		_ = a.mcpSrv.Stop(ctx)
	}
	if a.apiSrv != nil {
		_ = a.apiSrv.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Checkpoint(ctx)
		_ = a.store.Close()
	}
	a.logger.Info("application stopped")
}

func (a *App) startWorkers() {
	a.workersWG.Add(4)
	go func() {
		defer a.workersWG.Done()
		a.runBackgroundSyncLoop(a.bgCtx)
	}()
	go func() {
		defer a.workersWG.Done()
		a.runRealtimeLoop(a.bgCtx)
	}()
	go func() {
		defer a.workersWG.Done()
		a.worker.Run(a.bgCtx)
	}()
	go func() {
		defer a.workersWG.Done()
		a.runGitHubSyncLoop(a.bgCtx)
	}()
}

// seedSettingsFromEnv persists environment credentials so they survive
// the process and can later be edited through the settings API.
func (a *App) seedSettingsFromEnv(ctx context.Context) error {
	pairs := []struct {
		key   string
		value string
	}{
		{settingTelegramAPIHash, a.cfg.TelegramAPIHash},
		{settingBotToken, a.cfg.BotToken},
		{settingGitHubToken, a.cfg.GitHubToken},
		{settingGitHubRepo, a.cfg.GitHubRepo},
		{settingGitHubBranch, a.cfg.GitHubBranch},
	}
	for _, pair := range pairs {
		if pair.value == "" {
			continue
		}
		if err := a.store.SetSetting(ctx, pair.key, pair.value); err != nil {
			return err
		}
	}
	if a.cfg.TelegramAPIID > 0 {
		if err := a.store.SetSetting(ctx, settingTelegramAPIID, strconv.Itoa(a.cfg.TelegramAPIID)); err != nil {
			return err
		}
	}
	if a.cfg.BotAuthorizedID != 0 {
		if err := a.store.SetSetting(ctx, settingBotAuthorizedUser, strconv.FormatInt(a.cfg.BotAuthorizedID, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) configureTelegramFromStore(ctx context.Context) {
	apiID, err := a.store.GetSettingInt(ctx, settingTelegramAPIID, 0)
	if err != nil {
		a.logger.Warn("reading telegram api id failed", zap.Error(err))
		return
	}
	apiHash, err := a.store.GetSetting(ctx, settingTelegramAPIHash, "")
	if err != nil {
		a.logger.Warn("reading telegram api hash failed", zap.Error(err))
		return
	}
	if apiID <= 0 || strings.TrimSpace(apiHash) == "" {
		return
	}
	if err := a.telegramSvc.Configure(apiID, apiHash); err != nil {
		a.logger.Warn("configuring telegram failed", zap.Error(err))
	}
}

func (a *App) configureBotFromStore(ctx context.Context) {
	token, err := a.store.GetSetting(ctx, settingBotToken, "")
	if err != nil {
		a.logger.Warn("reading bot token failed", zap.Error(err))
		return
	}
	rawUser, err := a.store.GetSetting(ctx, settingBotAuthorizedUser, "0")
	if err != nil {
		a.logger.Warn("reading bot authorized user failed", zap.Error(err))
		return
	}
	authorizedUser, _ := strconv.ParseInt(rawUser, 10, 64)
	a.botCtrl.Configure(token, authorizedUser)
}

func (a *App) configureGitHubFromStore(ctx context.Context) {
	token, _ := a.store.GetSetting(ctx, settingGitHubToken, "")
	repo, _ := a.store.GetSetting(ctx, settingGitHubRepo, "")
	branch, _ := a.store.GetSetting(ctx, settingGitHubBranch, "main")
	a.githubCli = github.NewClient("", token, repo, branch)

	a.githubMu.Lock()
	a.githubStatus = domain.GitHubSyncStatus{
		Configured: a.githubCli.Configured(),
		Repo:       a.githubCli.Repo(),
		Branch:     a.githubCli.Branch(),
	}
	a.githubMu.Unlock()
}

// Search dispatches by mode: exact hits the FTS index, approximate runs
// the similarity matcher over the candidate pool.
func (a *App) Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	if a.store == nil {
		return nil, errors.New("store is not initialized")
	}
	if req.Mode == domain.SearchModeApproximate {
		return a.searchApproximate(ctx, req)
	}

	results, err := a.store.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].DeepLink = domain.DeepLink(results[i].ChatID, results[i].MsgID)
	}
	return results, nil
}

func (a *App) searchApproximate(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error) {
	candidates, err := a.store.ListSearchCandidates(ctx, req.Filters)
	if err != nil {
		return nil, err
	}

	threshold := req.ThresholdPercent
	if threshold == 0 {
		threshold = defaultSimilarityThreshold
	}
	matches, err := similarity.FindSimilar(ctx, req.Query, candidates, threshold, req.WholeMessage)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	limit := req.Filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	msgIDsByChat := map[int64][]int64{}
	for _, match := range matches {
		msgIDsByChat[match.ChatID] = append(msgIDsByChat[match.ChatID], match.MsgID)
	}

	var rowsMu sync.Mutex
	rowsByChat := make(map[int64]map[int64]domain.SearchResult, len(msgIDsByChat))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for chatID, msgIDs := range msgIDsByChat {
		group.Go(func() error {
			rows, lookupErr := a.store.LookupResults(groupCtx, chatID, msgIDs)
			if lookupErr != nil {
				return lookupErr
			}
			rowsMu.Lock()
			rowsByChat[chatID] = rows
			rowsMu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(matches))
	for _, match := range matches {
		row, ok := rowsByChat[match.ChatID][match.MsgID]
		if !ok {
			continue
		}
		row.Similarity = match.Similarity
		row.Score = float64(match.Similarity)
		row.MatchedField = string(match.Field)
		row.DeepLink = domain.DeepLink(row.ChatID, row.MsgID)
		if match.Field == similarity.FieldFileName {
			row.Snippet = row.FileName
		} else {
			row.Snippet = row.MessageText
		}
		results = append(results, row)
	}
	return results, nil
}

func (a *App) ListChats(ctx context.Context) ([]domain.ChatPolicy, error) {
	if a.store == nil {
		return nil, errors.New("store is not initialized")
	}
	return a.store.ListChats(ctx)
}

// RefreshChats pulls the dialog list from Telegram and registers any
// new chats (disabled by default).
func (a *App) RefreshChats(ctx context.Context) ([]domain.ChatPolicy, error) {
	dialogs, err := a.telegramSvc.ListDialogs(ctx)
	if err != nil {
		return nil, err
	}
	for _, dialog := range dialogs {
		if err := a.store.UpsertDiscoveredChat(ctx, dialog.ChatID, dialog.Title, dialog.Type); err != nil {
			return nil, err
		}
	}
	return a.store.ListChats(ctx)
}

func (a *App) SetChatPolicy(ctx context.Context, chatID int64, enabled bool, historyMode string, downloadsMode string) error {
	if a.store == nil {
		return errors.New("store is not initialized")
	}
	return a.store.SetChatPolicy(ctx, chatID, enabled, historyMode, downloadsMode)
}

func (a *App) GetMessage(ctx context.Context, chatID int64, msgID int64) (domain.Message, error) {
	if a.store == nil {
		return domain.Message{}, errors.New("store is not initialized")
	}
	return a.store.GetMessage(ctx, chatID, msgID)
}

func (a *App) PurgeChat(ctx context.Context, chatID int64) error {
	if a.store == nil {
		return errors.New("store is not initialized")
	}
	return a.store.PurgeChatData(ctx, chatID)
}

func (a *App) PurgeAll(ctx context.Context) error {
	if a.store == nil {
		return errors.New("store is not initialized")
	}
	return a.store.PurgeAllData(ctx)
}

func (a *App) TelegramAuthStatus(ctx context.Context) (domain.TelegramAuthStatus, error) {
	return a.telegramSvc.AuthStatus(ctx)
}

func (a *App) RequestLoginCode(ctx context.Context, phone string) (domain.TelegramAuthStatus, error) {
	return a.telegramSvc.RequestCode(ctx, phone)
}

func (a *App) SubmitLoginCode(ctx context.Context, code string, password string) (domain.TelegramAuthStatus, error) {
	status, err := a.telegramSvc.SignIn(ctx, code, password)
	if err == nil && status.Authorized {
		a.bus.Publish(events.KindAuthChanged, status)
	}
	return status, err
}

// StartQRLogin kicks off the QR flow in the background; tokens and the
// terminal auth status are published on the event bus.
func (a *App) StartQRLogin(_ context.Context) error {
	a.qrLoginMu.Lock()
	if a.qrLoginRunning {
		a.qrLoginMu.Unlock()
		return errors.New("qr login is already in progress")
	}
	a.qrLoginRunning = true
	a.qrLoginMu.Unlock()

	go func() {
		defer func() {
			a.qrLoginMu.Lock()
			a.qrLoginRunning = false
			a.qrLoginMu.Unlock()
		}()

		qrCtx, cancel := context.WithTimeout(a.bgCtx, 5*time.Minute)
		defer cancel()

		status, err := a.telegramSvc.QRLogin(qrCtx, func(token domain.TelegramQRToken) error {
			a.bus.Publish(events.KindAuthChanged, token)
			return nil
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				a.logger.Warn("qr login failed", zap.Error(err))
			}
			a.bus.PublishError(events.KindAuthChanged, err)
			return
		}
		a.bus.Publish(events.KindAuthChanged, status)
	}()
	return nil
}

func (a *App) SubmitQRPassword(password string) {
	a.telegramSvc.SubmitQRPassword(password)
}

func (a *App) CancelQRLogin() {
	a.telegramSvc.CancelQRLogin()
}

func (a *App) StartBot(ctx context.Context) error {
	a.configureBotFromStore(ctx)
	return a.botCtrl.Start(a.bgCtx)
}

func (a *App) StopBot() error {
	return a.botCtrl.Stop()
}

func (a *App) BotStatus() domain.BotStatus {
	return a.botCtrl.Status()
}

func (a *App) EnqueueDownload(ctx context.Context, chatID int64, msgID int64) (domain.DownloadTask, error) {
	if a.store == nil {
		return domain.DownloadTask{}, errors.New("store is not initialized")
	}
	message, err := a.store.GetMessage(ctx, chatID, msgID)
	if err != nil {
		return domain.DownloadTask{}, fmt.Errorf("message is not indexed: %w", err)
	}
	if !message.HasMedia {
		return domain.DownloadTask{}, errors.New("message has no media")
	}
	return a.enqueueDownloadTask(ctx, chatID, msgID, message.FileName, message.FileMime, message.FileSize)
}

// EnqueueDownloadFromBot is the bot-facing variant: the message may not
// be indexed yet, so metadata comes from the bot update.
func (a *App) EnqueueDownloadFromBot(ctx context.Context, chatID int64, msgID int64, fileName string, fileMime string, fileSize int64) (string, error) {
	task, err := a.enqueueDownloadTask(ctx, chatID, msgID, fileName, fileMime, fileSize)
	if err != nil {
		return "", err
	}
	return task.TaskID, nil
}

func (a *App) enqueueDownloadTask(ctx context.Context, chatID int64, msgID int64, fileName string, fileMime string, fileSize int64) (domain.DownloadTask, error) {
	now := time.Now().Unix()
	task := domain.DownloadTask{
		TaskID:    uuid.NewString(),
		ChatID:    chatID,
		MsgID:     msgID,
		FileName:  fileName,
		FileMime:  fileMime,
		FileSize:  fileSize,
		State:     domain.DownloadPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.EnqueueDownload(ctx, task); err != nil {
		return domain.DownloadTask{}, err
	}
	a.bus.Publish(events.KindDownloadUpdated, task)
	return task, nil
}

func (a *App) ListDownloads(ctx context.Context, limit int) ([]domain.DownloadTask, error) {
	if a.store == nil {
		return nil, errors.New("store is not initialized")
	}
	return a.store.ListDownloads(ctx, limit)
}

// SyncGitHub exports a scrubbed database snapshot and pushes it to the
// configured repository.
func (a *App) SyncGitHub(ctx context.Context) (domain.GitHubSyncStatus, error) {
	if a.githubCli == nil || !a.githubCli.Configured() {
		return a.GitHubStatus(), errors.New("github sync is not configured")
	}

	snapshotPath := filepath.Join(a.cfg.DataDir, "snapshot-upload.db")
	defer os.Remove(snapshotPath)

	if err := a.store.ExportDatabaseSnapshot(ctx, snapshotPath); err != nil {
		return a.recordGitHubError(err), err
	}

	// Strip credentials before the copy leaves the machine.
	snapshot, err := sqlite.Open(snapshotPath)
	if err != nil {
		return a.recordGitHubError(err), err
	}
	if err := snapshot.ScrubSecretSettings(ctx); err != nil {
		snapshot.Close()
		return a.recordGitHubError(err), err
	}
	if err := snapshot.Checkpoint(ctx); err != nil {
		snapshot.Close()
		return a.recordGitHubError(err), err
	}
	if err := snapshot.Close(); err != nil {
		return a.recordGitHubError(err), err
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return a.recordGitHubError(err), err
	}

	commitMessage := "snapshot " + time.Now().UTC().Format("2006-01-02 15:04")
	sha, err := a.githubCli.PutFile(ctx, githubSnapshotPath, data, commitMessage)
	if err != nil {
		return a.recordGitHubError(err), err
	}

	a.githubMu.Lock()
	a.githubStatus = domain.GitHubSyncStatus{
		Configured:   true,
		Repo:         a.githubCli.Repo(),
		Branch:       a.githubCli.Branch(),
		LastSyncUnix: time.Now().Unix(),
		LastSHA:      sha,
	}
	status := a.githubStatus
	a.githubMu.Unlock()

	a.bus.Publish(events.KindGitHubSynced, status)
	return status, nil
}

func (a *App) recordGitHubError(cause error) domain.GitHubSyncStatus {
	a.githubMu.Lock()
	a.githubStatus.LastError = cause.Error()
	status := a.githubStatus
	a.githubMu.Unlock()
	a.bus.PublishError(events.KindGitHubSynced, cause)
	return status
}

func (a *App) GitHubStatus() domain.GitHubSyncStatus {
	a.githubMu.Lock()
	defer a.githubMu.Unlock()
	return a.githubStatus
}

func (a *App) IndexStatus(ctx context.Context) (domain.IndexStatus, error) {
	if a.store == nil {
		return domain.IndexStatus{}, errors.New("store is not initialized")
	}
	endpoint := ""
	mcpStatus := "disabled"
	if a.mcpSrv != nil {
		endpoint = a.mcpSrv.Endpoint()
		mcpStatus = "running"
	}
	status, err := a.store.GetIndexStatus(ctx, endpoint, a.mcpSrv != nil, mcpStatus)
	if err != nil {
		return domain.IndexStatus{}, err
	}

	a.statusMu.Lock()
	status.SyncState = a.syncState
	status.BackfillProgress = a.backfillProgress
	if a.lastSyncUnix > 0 {
		status.LastSyncUnix = a.lastSyncUnix
	}
	a.statusMu.Unlock()

	status.BotRunning = a.botCtrl.Status().Running
	return status, nil
}

func (a *App) ListSettings(ctx context.Context) (map[string]string, error) {
	if a.store == nil {
		return nil, errors.New("store is not initialized")
	}
	settings, err := a.store.ListSettings(ctx)
	if err != nil {
		return nil, err
	}
	// Secrets never leave through the API.
	for key := range settings {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "token") || strings.Contains(lower, "hash") || strings.Contains(lower, "secret") {
			settings[key] = ""
		}
	}
	return settings, nil
}

func (a *App) UpdateSetting(ctx context.Context, key string, value string) error {
	if a.store == nil {
		return errors.New("store is not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("setting key is required")
	}
	if err := a.store.SetSetting(ctx, key, value); err != nil {
		return err
	}

	switch key {
	case settingTelegramAPIID, settingTelegramAPIHash:
		a.configureTelegramFromStore(ctx)
	case settingBotToken, settingBotAuthorizedUser:
		a.configureBotFromStore(ctx)
	case settingGitHubToken, settingGitHubRepo, settingGitHubBranch:
		a.configureGitHubFromStore(ctx)
	}
	return nil
}

func (a *App) setSyncStatus(state string, progress int, lastSyncUnix int64) {
	a.statusMu.Lock()
	a.syncState = state
	if progress > 0 {
		a.backfillProgress = progress
	}
	if lastSyncUnix > 0 {
		a.lastSyncUnix = lastSyncUnix
	}
	a.statusMu.Unlock()
}

func (a *App) runBackgroundSyncLoop(ctx context.Context) {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			runCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
			_ = a.syncEnabledChats(runCtx)
			cancel()
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
			_ = a.syncEnabledChats(runCtx)
			cancel()
		}
	}
}

func (a *App) syncEnabledChats(ctx context.Context) error {
	if a.store == nil || a.telegramSvc == nil {
		return errors.New("sync services are not initialized")
	}

	a.syncRunMu.Lock()
	defer a.syncRunMu.Unlock()
	a.setSyncStatus("syncing", 0, 0)

	chats, err := a.store.ListChats(ctx)
	if err != nil {
		a.setSyncStatus("error", 0, 0)
		return err
	}

	downloadsModeByChat := map[int64]string{}
	states := make([]telegram.SyncChatState, 0, len(chats))
	for _, chat := range chats {
		if !chat.Enabled {
			continue
		}
		cursor := chat.SyncCursor
		if strings.EqualFold(chat.HistoryMode, "lazy") {
			cursor = ""
		}
		downloadsModeByChat[chat.ChatID] = chat.DownloadsMode
		states = append(states, telegram.SyncChatState{
			ChatID:          chat.ChatID,
			SyncCursor:      cursor,
			LastMessageUnix: chat.LastMessageUnix,
		})
	}

	if len(states) == 0 {
		a.setSyncStatus("idle", 100, time.Now().Unix())
		return nil
	}

	report, err := a.telegramSvc.SyncChats(ctx, states, syncMaxMessagesPerRun)
	if err != nil {
		if errors.Is(err, telegram.ErrNotConfigured) || errors.Is(err, telegram.ErrUnauthorized) {
			a.setSyncStatus("awaiting_auth", 0, 0)
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			a.setSyncStatus("idle", 0, 0)
			return nil
		}
		a.setSyncStatus("error", 0, 0)
		return err
	}

	for _, message := range report.Messages {
		if upsertErr := a.store.UpsertMessage(ctx, message); upsertErr != nil {
			a.setSyncStatus("error", 0, 0)
			return upsertErr
		}
	}
	for _, ref := range report.Media {
		if downloadsModeByChat[ref.ChatID] != "auto" {
			continue
		}
		if _, enqueueErr := a.enqueueDownloadTask(ctx, ref.ChatID, ref.MsgID, ref.FileName, ref.MimeType, ref.Size); enqueueErr != nil {
			a.logger.Warn("auto-enqueue download failed",
				zap.Int64("chat_id", ref.ChatID),
				zap.Int64("msg_id", ref.MsgID),
				zap.Error(enqueueErr))
		}
	}
	for _, item := range report.Chats {
		if syncErr := a.store.UpdateChatSyncState(ctx, item.ChatID, item.NextCursor, item.LastMessageUnix, item.LastSyncedUnix); syncErr != nil {
			a.setSyncStatus("error", 0, 0)
			return syncErr
		}
	}

	progress := backfillProgress(report.Chats)
	a.setSyncStatus("idle", progress, report.SyncedAtUnix)
	if report.Metrics.HistoryRequests > 0 {
		a.logger.Debug("sync round finished",
			zap.Int("chats", len(report.Chats)),
			zap.Int("messages", len(report.Messages)),
			zap.Int("history_requests", report.Metrics.HistoryRequests),
			zap.Int("flood_wait_events", report.Metrics.FloodWaitEvents))
	}
	a.bus.Publish(events.KindSyncCompleted, report.Metrics)
	return nil
}

func backfillProgress(results []telegram.ChatSyncResult) int {
	if len(results) == 0 {
		return 100
	}
	done := 0
	for _, item := range results {
		if item.BackfillDone {
			done++
		}
	}
	return done * 100 / len(results)
}

func (a *App) runRealtimeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		chatIDs, err := a.enabledChatIDs(ctx)
		if err != nil {
			a.logger.Warn("realtime precheck failed", zap.Error(err))
			if !sleepOrDone(ctx, 15*time.Second) {
				return
			}
			continue
		}
		if len(chatIDs) == 0 {
			if !sleepOrDone(ctx, 20*time.Second) {
				return
			}
			continue
		}

		burstCtx, cancel := context.WithTimeout(ctx, realtimeBurst)
		err = a.telegramSvc.RunRealtime(burstCtx, chatIDs, func(event telegram.LiveEvent) error {
			switch event.Kind {
			case telegram.LiveEventUpsert:
				if upsertErr := a.store.UpsertMessage(burstCtx, event.Message); upsertErr != nil {
					return upsertErr
				}
				a.bus.Publish(events.KindMessageUpserted, event.Message)
				for _, ref := range event.Media {
					mode, modeErr := a.chatDownloadsMode(burstCtx, ref.ChatID)
					if modeErr != nil || mode != "auto" {
						continue
					}
					if _, enqueueErr := a.enqueueDownloadTask(burstCtx, ref.ChatID, ref.MsgID, ref.FileName, ref.MimeType, ref.Size); enqueueErr != nil {
						a.logger.Warn("realtime auto-enqueue failed", zap.Error(enqueueErr))
					}
				}
				return nil
			case telegram.LiveEventDelete:
				if event.ChatID == 0 || event.MsgID == 0 {
					return nil
				}
				if deleteErr := a.store.MarkMessageDeleted(burstCtx, event.ChatID, event.MsgID); deleteErr != nil {
					return deleteErr
				}
				a.bus.Publish(events.KindMessageDeleted, map[string]int64{
					"chat_id": event.ChatID,
					"msg_id":  event.MsgID,
				})
				return nil
			default:
				return nil
			}
		})
		cancel()

		if err != nil &&
			!errors.Is(err, context.Canceled) &&
			!errors.Is(err, context.DeadlineExceeded) &&
			!errors.Is(err, telegram.ErrUnauthorized) &&
			!errors.Is(err, telegram.ErrNotConfigured) {
			a.logger.Warn("realtime burst failed", zap.Error(err))
			if !sleepOrDone(ctx, 10*time.Second) {
				return
			}
			continue
		}

		if !sleepOrDone(ctx, 2*time.Second) {
			return
		}
	}
}

func (a *App) runGitHubSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(githubSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.githubCli == nil || !a.githubCli.Configured() {
				continue
			}
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if _, err := a.SyncGitHub(runCtx); err != nil {
				a.logger.Warn("scheduled github sync failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (a *App) chatDownloadsMode(ctx context.Context, chatID int64) (string, error) {
	chat, err := a.store.GetChatPolicy(ctx, chatID)
	if err != nil {
		return "", err
	}
	return chat.DownloadsMode, nil
}

func (a *App) enabledChatIDs(ctx context.Context) ([]int64, error) {
	chats, err := a.store.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(chats))
	for _, chat := range chats {
		if chat.Enabled {
			ids = append(ids, chat.ChatID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
