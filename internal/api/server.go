package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"tgpanel/internal/domain"
	"tgpanel/internal/events"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Backend is the application surface the HTTP layer exposes. The root
// App implements it.
type Backend interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchResult, error)
	ListChats(ctx context.Context) ([]domain.ChatPolicy, error)
	RefreshChats(ctx context.Context) ([]domain.ChatPolicy, error)
	SetChatPolicy(ctx context.Context, chatID int64, enabled bool, historyMode string, downloadsMode string) error
	GetMessage(ctx context.Context, chatID int64, msgID int64) (domain.Message, error)
	PurgeChat(ctx context.Context, chatID int64) error
	PurgeAll(ctx context.Context) error

	TelegramAuthStatus(ctx context.Context) (domain.TelegramAuthStatus, error)
	RequestLoginCode(ctx context.Context, phone string) (domain.TelegramAuthStatus, error)
	SubmitLoginCode(ctx context.Context, code string, password string) (domain.TelegramAuthStatus, error)
	StartQRLogin(ctx context.Context) error
	SubmitQRPassword(password string)
	CancelQRLogin()

	StartBot(ctx context.Context) error
	StopBot() error
	BotStatus() domain.BotStatus

	EnqueueDownload(ctx context.Context, chatID int64, msgID int64) (domain.DownloadTask, error)
	ListDownloads(ctx context.Context, limit int) ([]domain.DownloadTask, error)

	SyncGitHub(ctx context.Context) (domain.GitHubSyncStatus, error)
	GitHubStatus() domain.GitHubSyncStatus

	IndexStatus(ctx context.Context) (domain.IndexStatus, error)
	ListSettings(ctx context.Context) (map[string]string, error)
	UpdateSetting(ctx context.Context, key string, value string) error
}

type Server struct {
	backend Backend
	bus     *events.Bus
	logger  *zap.Logger
	httpSrv *http.Server
}

func NewServer(backend Backend, bus *events.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{backend: backend, bus: bus, logger: logger}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.POST("/search", s.handleSearch)

		api.GET("/chats", s.handleListChats)
		api.POST("/chats/refresh", s.handleRefreshChats)
		api.PUT("/chats/:chatID/policy", s.handleSetChatPolicy)
		api.DELETE("/chats/:chatID/data", s.handlePurgeChat)
		api.DELETE("/data", s.handlePurgeAll)

		api.GET("/messages/:chatID/:msgID", s.handleGetMessage)

		api.GET("/telegram/auth", s.handleAuthStatus)
		api.POST("/telegram/auth/code", s.handleRequestCode)
		api.POST("/telegram/auth/signin", s.handleSignIn)
		api.POST("/telegram/auth/qr", s.handleStartQR)
		api.POST("/telegram/auth/qr/password", s.handleQRPassword)
		api.DELETE("/telegram/auth/qr", s.handleCancelQR)

		api.POST("/bot/start", s.handleBotStart)
		api.POST("/bot/stop", s.handleBotStop)
		api.GET("/bot/status", s.handleBotStatus)

		api.POST("/downloads", s.handleEnqueueDownload)
		api.GET("/downloads", s.handleListDownloads)

		api.POST("/github/sync", s.handleGitHubSync)
		api.GET("/github/status", s.handleGitHubStatus)

		api.GET("/status", s.handleIndexStatus)
		api.GET("/settings", s.handleListSettings)
		api.PUT("/settings/:key", s.handleUpdateSetting)
	}

	router.GET("/ws", s.handleWebSocket)
	return router
}

func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type searchBody struct {
	Query            string  `json:"query"`
	Mode             string  `json:"mode"`
	ThresholdPercent int     `json:"threshold_percent"`
	WholeMessage     bool    `json:"whole_message"`
	ChatIDs          []int64 `json:"chat_ids"`
	FromUnix         int64   `json:"from_unix"`
	ToUnix           int64   `json:"to_unix"`
	Limit            int     `json:"limit"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var body searchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := domain.SearchModeExact
	if body.Mode == string(domain.SearchModeApproximate) {
		mode = domain.SearchModeApproximate
	}
	results, err := s.backend.Search(c.Request.Context(), domain.SearchRequest{
		Query:            body.Query,
		Mode:             mode,
		ThresholdPercent: body.ThresholdPercent,
		WholeMessage:     body.WholeMessage,
		Filters: domain.SearchFilters{
			ChatIDs:  body.ChatIDs,
			FromUnix: body.FromUnix,
			ToUnix:   body.ToUnix,
			Limit:    body.Limit,
		},
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleListChats(c *gin.Context) {
	chats, err := s.backend.ListChats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) handleRefreshChats(c *gin.Context) {
	chats, err := s.backend.RefreshChats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

type chatPolicyBody struct {
	Enabled       bool   `json:"enabled"`
	HistoryMode   string `json:"history_mode"`
	DownloadsMode string `json:"downloads_mode"`
}

func (s *Server) handleSetChatPolicy(c *gin.Context) {
	chatID, ok := pathInt64(c, "chatID")
	if !ok {
		return
	}
	var body chatPolicyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if body.HistoryMode == "" {
		body.HistoryMode = "full"
	}
	if body.DownloadsMode == "" {
		body.DownloadsMode = "manual"
	}
	if err := s.backend.SetChatPolicy(c.Request.Context(), chatID, body.Enabled, body.HistoryMode, body.DownloadsMode); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePurgeChat(c *gin.Context) {
	chatID, ok := pathInt64(c, "chatID")
	if !ok {
		return
	}
	if err := s.backend.PurgeChat(c.Request.Context(), chatID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePurgeAll(c *gin.Context) {
	if err := s.backend.PurgeAll(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetMessage(c *gin.Context) {
	chatID, ok := pathInt64(c, "chatID")
	if !ok {
		return
	}
	msgID, ok := pathInt64(c, "msgID")
	if !ok {
		return
	}
	message, err := s.backend.GetMessage(c.Request.Context(), chatID, msgID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   message,
		"deep_link": domain.DeepLink(message.ChatID, message.MsgID),
	})
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	status, err := s.backend.TelegramAuthStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": status})
		return
	}
	c.JSON(http.StatusOK, status)
}

type phoneBody struct {
	Phone string `json:"phone"`
}

func (s *Server) handleRequestCode(c *gin.Context) {
	var body phoneBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.backend.RequestLoginCode(c.Request.Context(), body.Phone)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

type signInBody struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

func (s *Server) handleSignIn(c *gin.Context) {
	var body signInBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.backend.SubmitLoginCode(c.Request.Context(), body.Code, body.Password)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStartQR(c *gin.Context) {
	if err := s.backend.StartQRLogin(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	// Tokens stream over /ws as auth_changed events.
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

type qrPasswordBody struct {
	Password string `json:"password"`
}

func (s *Server) handleQRPassword(c *gin.Context) {
	var body qrPasswordBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.backend.SubmitQRPassword(body.Password)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleCancelQR(c *gin.Context) {
	s.backend.CancelQRLogin()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleBotStart(c *gin.Context) {
	if err := s.backend.StartBot(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.backend.BotStatus())
}

func (s *Server) handleBotStop(c *gin.Context) {
	if err := s.backend.StopBot(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.backend.BotStatus())
}

func (s *Server) handleBotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.BotStatus())
}

type enqueueDownloadBody struct {
	ChatID int64 `json:"chat_id"`
	MsgID  int64 `json:"msg_id"`
}

func (s *Server) handleEnqueueDownload(c *gin.Context) {
	var body enqueueDownloadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.backend.EnqueueDownload(c.Request.Context(), body.ChatID, body.MsgID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleListDownloads(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	tasks, err := s.backend.ListDownloads(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if tasks == nil {
		tasks = []domain.DownloadTask{}
	}
	c.JSON(http.StatusOK, gin.H{"downloads": tasks})
}

func (s *Server) handleGitHubSync(c *gin.Context) {
	status, err := s.backend.SyncGitHub(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": status})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleGitHubStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.GitHubStatus())
}

func (s *Server) handleIndexStatus(c *gin.Context) {
	status, err := s.backend.IndexStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListSettings(c *gin.Context) {
	settings, err := s.backend.ListSettings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

type settingBody struct {
	Value string `json:"value"`
}

func (s *Server) handleUpdateSetting(c *gin.Context) {
	var body settingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.backend.UpdateSetting(c.Request.Context(), c.Param("key"), body.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	value, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return value, true
}
