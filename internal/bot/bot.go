package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tgpanel/internal/domain"
	"tgpanel/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("bot is already running")
var ErrNotRunning = errors.New("bot is not running")
var ErrNotConfigured = errors.New("bot token is not configured")

// StatusProvider reports the index state for the /status command.
type StatusProvider interface {
	IndexStatus(ctx context.Context) (domain.IndexStatus, error)
}

// DownloadEnqueuer queues a media message forwarded to the bot.
type DownloadEnqueuer interface {
	EnqueueDownloadFromBot(ctx context.Context, chatID int64, msgID int64, fileName string, fileMime string, fileSize int64) (string, error)
}

// Controller runs the Telegram control bot. Only the configured user ID
// may issue commands; everyone else gets silence.
type Controller struct {
	logger *zap.Logger
	bus    *events.Bus
	status StatusProvider
	queue  DownloadEnqueuer

	mu             sync.Mutex
	token          string
	authorizedUser int64
	cancel         context.CancelFunc
	username       string
	startedAt      int64
	lastError      string
}

func NewController(status StatusProvider, queue DownloadEnqueuer, bus *events.Bus, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		logger: logger,
		bus:    bus,
		status: status,
		queue:  queue,
	}
}

func (c *Controller) Configure(token string, authorizedUser int64) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.authorizedUser = authorizedUser
	c.mu.Unlock()
}

// Start launches the polling loop in its own goroutine.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	if c.token == "" {
		return ErrNotConfigured
	}

	api, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		c.lastError = err.Error()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.username = api.Self.UserName
	c.startedAt = time.Now().Unix()
	c.lastError = ""
	authorizedUser := c.authorizedUser

	go c.poll(runCtx, api, authorizedUser)

	c.logger.Info("bot started", zap.String("username", c.username), zap.Int64("authorized_user", authorizedUser))
	if c.bus != nil {
		c.bus.Publish(events.KindBotStateChanged, c.statusLocked())
	}
	return nil
}

func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return ErrNotRunning
	}
	c.cancel()
	c.cancel = nil
	c.startedAt = 0

	c.logger.Info("bot stopped", zap.String("username", c.username))
	if c.bus != nil {
		c.bus.Publish(events.KindBotStateChanged, c.statusLocked())
	}
	return nil
}

func (c *Controller) Status() domain.BotStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() domain.BotStatus {
	return domain.BotStatus{
		Running:        c.cancel != nil,
		Username:       c.username,
		AuthorizedUser: c.authorizedUser,
		StartedAtUnix:  c.startedAt,
		LastError:      c.lastError,
	}
}

func (c *Controller) poll(ctx context.Context, api *tgbotapi.BotAPI, authorizedUser int64) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updatesCh := api.GetUpdatesChan(updateConfig)

	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return
		case update, ok := <-updatesCh:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			if !isAuthorized(update.Message.From, authorizedUser) {
				c.logger.Debug("ignoring message from unauthorized user",
					zap.Int64("from", senderID(update.Message.From)))
				continue
			}
			c.handleMessage(ctx, api, update.Message)
		}
	}
}

func (c *Controller) handleMessage(ctx context.Context, api *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		c.handleCommand(ctx, api, msg)
		return
	}
	if doc := messageDocument(msg); doc != nil {
		c.handleDocument(ctx, api, msg, doc)
		return
	}
	c.reply(api, msg.Chat.ID, "Send /help for the command list, or forward a file to download it.")
}

func (c *Controller) handleCommand(ctx context.Context, api *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		c.reply(api, msg.Chat.ID, "Account manager bot is online. Send /help for commands.")
	case "help":
		c.reply(api, msg.Chat.ID, helpText())
	case "status":
		status, err := c.status.IndexStatus(ctx)
		if err != nil {
			c.reply(api, msg.Chat.ID, "Status unavailable: "+err.Error())
			return
		}
		c.reply(api, msg.Chat.ID, formatStatus(status))
	default:
		c.reply(api, msg.Chat.ID, "Unknown command. Send /help for the command list.")
	}
}

func (c *Controller) handleDocument(ctx context.Context, api *tgbotapi.BotAPI, msg *tgbotapi.Message, doc *tgbotapi.Document) {
	if c.queue == nil {
		c.reply(api, msg.Chat.ID, "Downloads are not enabled.")
		return
	}
	sourceChat, sourceMsg := forwardOrigin(msg)
	taskID, err := c.queue.EnqueueDownloadFromBot(ctx, sourceChat, sourceMsg, doc.FileName, doc.MimeType, int64(doc.FileSize))
	if err != nil {
		c.reply(api, msg.Chat.ID, "Could not queue download: "+err.Error())
		return
	}
	c.reply(api, msg.Chat.ID, fmt.Sprintf("Queued %s (task %s)", doc.FileName, taskID))
}

func (c *Controller) reply(api *tgbotapi.BotAPI, chatID int64, text string) {
	if _, err := api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Warn("bot reply failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func isAuthorized(from *tgbotapi.User, authorizedUser int64) bool {
	if authorizedUser == 0 {
		return false
	}
	return from != nil && from.ID == authorizedUser
}

func senderID(from *tgbotapi.User) int64 {
	if from == nil {
		return 0
	}
	return from.ID
}

func messageDocument(msg *tgbotapi.Message) *tgbotapi.Document {
	if msg == nil {
		return nil
	}
	return msg.Document
}

// forwardOrigin resolves the chat/message the media originally lives
// in, so the MTProto downloader can fetch it from the source. Messages
// sent directly to the bot use the bot chat itself.
func forwardOrigin(msg *tgbotapi.Message) (int64, int64) {
	if msg.ForwardFromChat != nil && msg.ForwardFromMessageID != 0 {
		return msg.ForwardFromChat.ID, int64(msg.ForwardFromMessageID)
	}
	return msg.Chat.ID, int64(msg.MessageID)
}

func helpText() string {
	return strings.Join([]string{
		"/start - check the bot is alive",
		"/status - index and download queue status",
		"/help - this message",
		"Forward a file to queue it for download.",
	}, "\n")
}

func formatStatus(status domain.IndexStatus) string {
	lines := []string{
		"Sync: " + status.SyncState,
		fmt.Sprintf("Messages indexed: %d", status.MessageCount),
		fmt.Sprintf("With media: %d", status.MediaCount),
		fmt.Sprintf("Download queue: %d", status.QueueDepth),
	}
	if status.LastSyncUnix > 0 {
		lines = append(lines, "Last sync: "+time.Unix(status.LastSyncUnix, 0).UTC().Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}
