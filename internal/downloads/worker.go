package downloads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tgpanel/internal/domain"
	"tgpanel/internal/events"
	"tgpanel/internal/telegram"

	"go.uber.org/zap"
)

const defaultMaxFileBytes = 2 << 30
const defaultMaxAttempts = 5
const defaultPollInterval = 3 * time.Second

// Store is the download queue surface the worker needs.
type Store interface {
	ClaimDownload(ctx context.Context, nowUnix int64) (domain.DownloadTask, bool, error)
	CompleteDownload(ctx context.Context, taskID string, path string) error
	RetryDownload(ctx context.Context, taskID string, nextRunAt int64, reason string) error
	FailDownload(ctx context.Context, taskID string, reason string) error
}

// MediaFetcher is implemented by the telegram service. Refs are fetched
// fresh for every attempt because Telegram file references expire.
type MediaFetcher interface {
	FetchMessageMedia(ctx context.Context, chatID int64, msgID int64) ([]telegram.MediaRef, error)
	DownloadDocumentBytes(ctx context.Context, documentID int64, accessHash int64, fileReference []byte, maxBytes int64) ([]byte, error)
}

type Worker struct {
	store        Store
	fetcher      MediaFetcher
	bus          *events.Bus
	logger       *zap.Logger
	root         string
	maxFileBytes int64
	maxAttempts  int
	pollInterval time.Duration
}

type WorkerOptions struct {
	Root         string
	MaxFileBytes int64
	MaxAttempts  int
	PollInterval time.Duration
}

func NewWorker(store Store, fetcher MediaFetcher, bus *events.Bus, logger *zap.Logger, opts WorkerOptions) *Worker {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:        store,
		fetcher:      fetcher,
		bus:          bus,
		logger:       logger,
		root:         opts.Root,
		maxFileBytes: opts.MaxFileBytes,
		maxAttempts:  opts.MaxAttempts,
		pollInterval: opts.PollInterval,
	}
}

// Run claims and processes queue entries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok, err := w.store.ClaimDownload(ctx, time.Now().Unix())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("download claim failed", zap.Error(err))
		} else if ok {
			w.process(ctx, task)
			continue
		}

		timer := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, task domain.DownloadTask) {
	path, err := w.download(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Re-queue so the next run picks it up immediately.
			_ = w.store.RetryDownload(context.Background(), task.TaskID, time.Now().Unix(), "interrupted by shutdown")
			return
		}
		w.handleFailure(ctx, task, err)
		return
	}

	if err := w.store.CompleteDownload(ctx, task.TaskID, path); err != nil {
		w.logger.Warn("download complete update failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return
	}
	task.State = domain.DownloadDone
	task.Path = path
	w.logger.Info("download finished",
		zap.String("task_id", task.TaskID),
		zap.Int64("chat_id", task.ChatID),
		zap.Int64("msg_id", task.MsgID),
		zap.String("path", path))
	if w.bus != nil {
		w.bus.Publish(events.KindDownloadUpdated, task)
	}
}

func (w *Worker) download(ctx context.Context, task domain.DownloadTask) (string, error) {
	refs, err := w.fetcher.FetchMessageMedia(ctx, task.ChatID, task.MsgID)
	if err != nil {
		return "", fmt.Errorf("fetch media refs: %w", err)
	}
	if len(refs) == 0 {
		return "", errors.New("message has no downloadable media")
	}
	ref := refs[0]

	data, err := w.fetcher.DownloadDocumentBytes(ctx, ref.DocumentID, ref.AccessHash, ref.FileReference, w.maxFileBytes)
	if err != nil {
		return "", err
	}

	fileName := ref.FileName
	if fileName == "" {
		fileName = task.FileName
	}
	target := TargetPath(w.root, task.ChatID, task.MsgID, fileName, ref.MimeType)
	if err := writeFileAtomic(target, data); err != nil {
		return "", err
	}
	return target, nil
}

func (w *Worker) handleFailure(ctx context.Context, task domain.DownloadTask, cause error) {
	permanent := errors.Is(cause, telegram.ErrFileTooLarge) || task.Attempts >= w.maxAttempts
	if permanent {
		w.logger.Warn("download failed permanently",
			zap.String("task_id", task.TaskID),
			zap.Int("attempts", task.Attempts),
			zap.Error(cause))
		if err := w.store.FailDownload(ctx, task.TaskID, cause.Error()); err != nil {
			w.logger.Warn("download fail update failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
		task.State = domain.DownloadFailed
	} else {
		delay := retryDelay(task.Attempts)
		w.logger.Info("download will retry",
			zap.String("task_id", task.TaskID),
			zap.Int("attempts", task.Attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		if err := w.store.RetryDownload(ctx, task.TaskID, time.Now().Add(delay).Unix(), cause.Error()); err != nil {
			w.logger.Warn("download retry update failed", zap.String("task_id", task.TaskID), zap.Error(err))
		}
		task.State = domain.DownloadPending
	}
	task.Error = cause.Error()
	if w.bus != nil {
		w.bus.Publish(events.KindDownloadUpdated, task)
	}
}

// retryDelay doubles per attempt: 30s, 1m, 2m, 4m, capped at 10m.
func retryDelay(attempts int) time.Duration {
	delay := 30 * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, target)
}
