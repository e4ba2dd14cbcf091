package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tgpanel/internal/domain"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"rsc.io/qr"
)

var (
	ErrNotConfigured  = errors.New("telegram api credentials are not configured")
	ErrCodeNotPending = errors.New("telegram login code was not requested")
	ErrPasswordNeeded = errors.New("telegram password is required")
	ErrUnauthorized   = errors.New("telegram session is not authorized")
)

// Service owns the MTProto client lifecycle. Every public method opens a
// short-lived client run; RunRealtime holds one open for the whole
// process lifetime instead.
type Service struct {
	sessionPath string

	mu           sync.RWMutex
	runMu        sync.Mutex
	throttleMu   sync.Mutex
	qrMu         sync.Mutex
	apiID        int
	apiHash      string
	pendingPhone string
	pendingHash  string
	qrCancel     context.CancelFunc
	qrPasswordCh chan string

	historyLastGlobalReqAt time.Time
	historyLastReqByChat   map[int64]time.Time
	floodUntilByChat       map[int64]time.Time
	adaptiveBatchSize      int
	adaptiveSuccessStreak  int
}

func NewService(sessionPath string) *Service {
	return &Service{
		sessionPath:          sessionPath,
		historyLastReqByChat: map[int64]time.Time{},
		floodUntilByChat:     map[int64]time.Time{},
		adaptiveBatchSize:    historyBatchSize,
	}
}

func (s *Service) Configure(apiID int, apiHash string) error {
	apiHash = strings.TrimSpace(apiHash)
	if apiID <= 0 || apiHash == "" {
		return ErrNotConfigured
	}

	s.mu.Lock()
	s.apiID = apiID
	s.apiHash = apiHash
	s.mu.Unlock()
	return nil
}

func (s *Service) AuthStatus(ctx context.Context) (domain.TelegramAuthStatus, error) {
	status := domain.TelegramAuthStatus{}
	apiID, apiHash, err := s.credentials()
	if err != nil {
		status.AwaitingCode, status.Phone = s.pending()
		return status, nil
	}

	status.Configured = true
	status.AwaitingCode, status.Phone = s.pending()
	err = s.withClient(ctx, apiID, apiHash, func(runCtx context.Context, client *tdtelegram.Client) error {
		authStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		status.Authorized = authStatus.Authorized
		if authStatus.User != nil {
			status.UserDisplay = formatUserDisplay(authStatus.User)
		}
		return nil
	})
	if err != nil {
		return status, err
	}
	return status, nil
}

func (s *Service) RequestCode(ctx context.Context, phone string) (domain.TelegramAuthStatus, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.TelegramAuthStatus{}, errors.New("telegram phone is required")
	}

	apiID, apiHash, err := s.credentials()
	if err != nil {
		return domain.TelegramAuthStatus{}, err
	}

	err = s.withClient(ctx, apiID, apiHash, func(runCtx context.Context, client *tdtelegram.Client) error {
		current, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if current.Authorized {
			s.clearPending()
			return nil
		}

		sentCode, sendErr := client.Auth().SendCode(runCtx, phone, auth.SendCodeOptions{})
		if sendErr != nil {
			return sendErr
		}

		switch sent := sentCode.(type) {
		case *tg.AuthSentCode:
			s.setPending(phone, sent.PhoneCodeHash)
		case *tg.AuthSentCodeSuccess:
			s.clearPending()
		default:
			return fmt.Errorf("unexpected send code result type: %T", sentCode)
		}
		return nil
	})
	if err != nil {
		return domain.TelegramAuthStatus{}, err
	}

	return s.AuthStatus(ctx)
}

func (s *Service) SignIn(ctx context.Context, code, password string) (domain.TelegramAuthStatus, error) {
	code = strings.TrimSpace(code)
	password = strings.TrimSpace(password)
	if code == "" {
		return domain.TelegramAuthStatus{}, errors.New("telegram login code is required")
	}

	phone, hash, ok := s.pendingCode()
	if !ok {
		return domain.TelegramAuthStatus{}, ErrCodeNotPending
	}
	apiID, apiHash, err := s.credentials()
	if err != nil {
		return domain.TelegramAuthStatus{}, err
	}

	err = s.withClient(ctx, apiID, apiHash, func(runCtx context.Context, client *tdtelegram.Client) error {
		_, signInErr := client.Auth().SignIn(runCtx, phone, code, hash)
		if errors.Is(signInErr, auth.ErrPasswordAuthNeeded) {
			if password == "" {
				return ErrPasswordNeeded
			}
			_, pwdErr := client.Auth().Password(runCtx, password)
			if pwdErr != nil {
				return pwdErr
			}
			return nil
		}
		return signInErr
	})
	if err != nil {
		return domain.TelegramAuthStatus{}, err
	}

	s.clearPending()
	return s.AuthStatus(ctx)
}

// QRLogin runs the QR flow until the session is authorized or ctx is
// cancelled. Each fresh token is rendered to a PNG and handed to showQR
// so the browser can display it; a token with PasswordNeeded set asks
// the UI to collect the 2FA password and pass it to SubmitQRPassword.
func (s *Service) QRLogin(ctx context.Context, showQR func(token domain.TelegramQRToken) error) (domain.TelegramAuthStatus, error) {
	apiID, apiHash, err := s.credentials()
	if err != nil {
		return domain.TelegramAuthStatus{}, err
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	qrCtx, qrCancel := context.WithCancel(ctx)
	defer qrCancel()

	s.qrMu.Lock()
	s.qrCancel = qrCancel
	s.qrMu.Unlock()
	defer func() {
		s.qrMu.Lock()
		s.qrCancel = nil
		s.qrMu.Unlock()
	}()

	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)

	var authResult domain.TelegramAuthStatus
	err = s.withClientUsingOptions(qrCtx, apiID, apiHash, tdtelegram.Options{
		SessionStorage: &AtomicSessionStorage{
			Path: s.sessionPath,
		},
		UpdateHandler: dispatcher,
	}, func(runCtx context.Context, client *tdtelegram.Client) error {
		status, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if status.Authorized {
			authResult.Configured = true
			authResult.Authorized = true
			if status.User != nil {
				authResult.UserDisplay = formatUserDisplay(status.User)
			}
			return nil
		}

		_, authErr := client.QR().Auth(runCtx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			code, codeErr := qr.Encode(token.URL(), qr.M)
			if codeErr != nil {
				return codeErr
			}
			return showQR(domain.TelegramQRToken{
				URL:       token.URL(),
				PNGBase64: base64.StdEncoding.EncodeToString(code.PNG()),
				ExpiresAt: token.Expires().Unix(),
			})
		})
		if authErr != nil {
			if !isPasswordNeeded(authErr) {
				return authErr
			}
			if notifyErr := showQR(domain.TelegramQRToken{PasswordNeeded: true}); notifyErr != nil {
				return notifyErr
			}
			passwordCh := s.getPasswordCh()
			var password string
			select {
			case password = <-passwordCh:
			case <-runCtx.Done():
				return runCtx.Err()
			}
			if _, pwdErr := client.Auth().Password(runCtx, password); pwdErr != nil {
				return pwdErr
			}
		}

		newStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		authResult.Configured = true
		authResult.Authorized = newStatus.Authorized
		if newStatus.User != nil {
			authResult.UserDisplay = formatUserDisplay(newStatus.User)
		}
		return nil
	})
	if err != nil {
		return domain.TelegramAuthStatus{}, err
	}
	return authResult, nil
}

func (s *Service) CancelQRLogin() {
	s.qrMu.Lock()
	defer s.qrMu.Unlock()
	if s.qrCancel != nil {
		s.qrCancel()
	}
}

func (s *Service) SubmitQRPassword(password string) {
	s.qrMu.Lock()
	ch := s.qrPasswordCh
	s.qrMu.Unlock()
	if ch != nil {
		select {
		case ch <- password:
		default:
		}
	}
}

func (s *Service) getPasswordCh() chan string {
	s.qrMu.Lock()
	defer s.qrMu.Unlock()
	if s.qrPasswordCh == nil {
		s.qrPasswordCh = make(chan string, 1)
	} else {
		// drain stale value
		select {
		case <-s.qrPasswordCh:
		default:
		}
	}
	return s.qrPasswordCh
}

func isPasswordNeeded(err error) bool {
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return true
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return rpcErr.IsOneOf("SESSION_PASSWORD_NEEDED")
	}
	return false
}

func (s *Service) pendingCode() (phone string, hash string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingPhone == "" || s.pendingHash == "" {
		return "", "", false
	}
	return s.pendingPhone, s.pendingHash, true
}

func (s *Service) pending() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingHash != "", s.pendingPhone
}

func (s *Service) setPending(phone, hash string) {
	s.mu.Lock()
	s.pendingPhone = phone
	s.pendingHash = hash
	s.mu.Unlock()
}

func (s *Service) clearPending() {
	s.mu.Lock()
	s.pendingPhone = ""
	s.pendingHash = ""
	s.mu.Unlock()
}

func (s *Service) credentials() (int, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.apiID <= 0 || strings.TrimSpace(s.apiHash) == "" {
		return 0, "", ErrNotConfigured
	}
	return s.apiID, s.apiHash, nil
}

func (s *Service) withClient(ctx context.Context, apiID int, apiHash string, fn func(context.Context, *tdtelegram.Client) error) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	return s.withClientUsingOptions(ctx, apiID, apiHash, tdtelegram.Options{
		SessionStorage: &AtomicSessionStorage{
			Path: s.sessionPath,
		},
	}, fn)
}

func (s *Service) withClientUsingOptions(ctx context.Context, apiID int, apiHash string, opts tdtelegram.Options, fn func(context.Context, *tdtelegram.Client) error) error {
	if err := os.MkdirAll(filepath.Dir(s.sessionPath), 0o755); err != nil {
		return err
	}

	client := tdtelegram.NewClient(apiID, apiHash, opts)
	return client.Run(ctx, func(runCtx context.Context) error {
		return fn(runCtx, client)
	})
}

func formatUserDisplay(user *tg.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(strings.Join([]string{user.FirstName, user.LastName}, " "))
	if name != "" {
		return name
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	return fmt.Sprintf("User %d", user.ID)
}
