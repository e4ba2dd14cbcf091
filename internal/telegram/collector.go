package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"tgpanel/internal/domain"

	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

const channelChatIDOffset int64 = 1_000_000_000_000
const historyBatchSize = 100
const minHistoryBatchSize = 20
const historyBatchStep = 10
const historySuccessBumpThreshold = 6
const historyGlobalMinInterval = 333 * time.Millisecond
const historyPerChatMinInterval = 1400 * time.Millisecond
const floodCacheGrace = 1 * time.Second
const maxFloodCacheWait = 15 * time.Minute

type Dialog struct {
	ChatID int64
	Title  string
	Type   string
}

type SyncChatState struct {
	ChatID          int64
	SyncCursor      string
	LastMessageUnix int64
}

// MediaRef carries what DownloadDocumentBytes needs to fetch a document
// later without re-reading the message.
type MediaRef struct {
	ChatID        int64
	MsgID         int64
	DocumentID    int64
	AccessHash    int64
	FileReference []byte
	DCID          int
	FileName      string
	MimeType      string
	Size          int64
}

type ChatSyncResult struct {
	ChatID          int64
	NextCursor      string
	LastMessageUnix int64
	LastSyncedUnix  int64
	Upserted        int
	BackfillDone    bool
}

type SyncReport struct {
	SyncedAtUnix int64
	Chats        []ChatSyncResult
	Messages     []domain.Message
	Media        []MediaRef
	Metrics      SyncMetrics
}

type SyncMetrics struct {
	HistoryRequests  int   `json:"history_requests"`
	FloodWaitEvents  int   `json:"flood_wait_events"`
	FloodWaitSeconds int64 `json:"flood_wait_seconds"`
	ThrottleSleeps   int   `json:"throttle_sleeps"`
	ThrottleSleepMS  int64 `json:"throttle_sleep_ms"`
	FloodSkipped     int   `json:"flood_skipped"`
	BatchCurrent     int   `json:"batch_current"`
	StartedAtUnix    int64 `json:"started_at_unix"`
	CompletedAtUnix  int64 `json:"completed_at_unix"`
}

type LiveEventKind string

const (
	LiveEventUpsert LiveEventKind = "upsert"
	LiveEventDelete LiveEventKind = "delete"
)

type LiveEvent struct {
	Kind    LiveEventKind
	Message domain.Message
	Media   []MediaRef
	ChatID  int64
	MsgID   int64
}

func (s *Service) ListDialogs(ctx context.Context) ([]Dialog, error) {
	apiID, apiHash, err := s.credentials()
	if err != nil {
		return nil, err
	}

	dialogMap := map[int64]Dialog{}
	err = s.withClient(ctx, apiID, apiHash, func(runCtx context.Context, client *tdtelegram.Client) error {
		authStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if !authStatus.Authorized {
			return ErrUnauthorized
		}

		resolved, collectErr := collectDialogLookup(runCtx, client)
		if collectErr != nil {
			return collectErr
		}
		for chatID, entry := range resolved {
			dialogMap[chatID] = entry.dialog
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Dialog, 0, len(dialogMap))
	for _, item := range dialogMap {
		result = append(result, item)
	}
	return result, nil
}

// SyncChats pulls new history for the given chats. A cursor in
// SyncChatState resumes backfill toward older messages; a FLOOD_WAIT
// ends the chat's page loop early and the cursor picks up next round.
func (s *Service) SyncChats(ctx context.Context, chats []SyncChatState, maxPerChat int) (SyncReport, error) {
	startedAt := time.Now().Unix()
	report := SyncReport{
		SyncedAtUnix: startedAt,
		Chats:        make([]ChatSyncResult, 0, len(chats)),
		Messages:     make([]domain.Message, 0, len(chats)*historyBatchSize),
		Media:        make([]MediaRef, 0, len(chats)),
		Metrics: SyncMetrics{
			StartedAtUnix: startedAt,
			BatchCurrent:  s.currentAdaptiveBatchSize(),
		},
	}
	if len(chats) == 0 {
		report.Metrics.CompletedAtUnix = time.Now().Unix()
		return report, nil
	}

	if maxPerChat <= 0 {
		maxPerChat = 600
	}

	apiID, apiHash, err := s.credentials()
	if err != nil {
		return report, err
	}
	runMetrics := &syncRunMetrics{}

	err = s.withClient(ctx, apiID, apiHash, func(runCtx context.Context, client *tdtelegram.Client) error {
		authStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if !authStatus.Authorized {
			return ErrUnauthorized
		}

		dialogLookup, collectErr := collectDialogLookup(runCtx, client)
		if collectErr != nil {
			return collectErr
		}

		for _, state := range chats {
			resolved, ok := dialogLookup[state.ChatID]
			if !ok {
				report.Chats = append(report.Chats, ChatSyncResult{
					ChatID:          state.ChatID,
					NextCursor:      state.SyncCursor,
					LastMessageUnix: state.LastMessageUnix,
					LastSyncedUnix:  time.Now().Unix(),
					BackfillDone:    strings.TrimSpace(state.SyncCursor) == "",
				})
				continue
			}

			result, syncedMessages, syncedMedia, syncErr := s.syncSingleChat(runCtx, client.API(), resolved, state, maxPerChat, runMetrics)
			if syncErr != nil {
				return syncErr
			}
			report.Chats = append(report.Chats, result)
			report.Messages = append(report.Messages, syncedMessages...)
			report.Media = append(report.Media, syncedMedia...)
		}
		return nil
	})

	if err != nil {
		return report, err
	}
	report.SyncedAtUnix = time.Now().Unix()
	report.Metrics = runMetrics.toPublic(s.currentAdaptiveBatchSize(), startedAt, report.SyncedAtUnix)
	return report, nil
}

func (s *Service) RunRealtime(ctx context.Context, chatIDs []int64, onEvent func(LiveEvent) error) error {
	if onEvent == nil {
		return errors.New("onEvent callback is required")
	}

	apiID, apiHash, err := s.credentials()
	if err != nil {
		return err
	}

	filter := make(map[int64]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		filter[id] = struct{}{}
	}

	knownMsgChats := map[int64]map[int64]struct{}{}
	dispatcher := tg.NewUpdateDispatcher()

	handleMessage := func(msgClass tg.MessageClass, entities tg.Entities) error {
		msg, ok := msgClass.(*tg.Message)
		if !ok || msg == nil {
			return nil
		}
		chatID, ok := peerToChatID(msg.GetPeerID())
		if !ok {
			return nil
		}
		if len(filter) > 0 {
			if _, exists := filter[chatID]; !exists {
				return nil
			}
		}

		synced := toDomainMessage(chatID, msg, buildEntityLookupFromUpdate(entities))
		media := extractMediaRefs(chatID, msg)
		registerKnownMessage(knownMsgChats, synced.MsgID, chatID)
		return onEvent(LiveEvent{
			Kind:    LiveEventUpsert,
			Message: synced,
			Media:   media,
			ChatID:  synced.ChatID,
			MsgID:   synced.MsgID,
		})
	}

	dispatcher.OnNewMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return handleMessage(u.Message, e)
	})
	dispatcher.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return handleMessage(u.Message, e)
	})
	dispatcher.OnEditMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		return handleMessage(u.Message, e)
	})
	dispatcher.OnEditChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		return handleMessage(u.Message, e)
	})

	dispatcher.OnDeleteChannelMessages(func(_ context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		chatID := -(channelChatIDOffset + u.ChannelID)
		if len(filter) > 0 {
			if _, exists := filter[chatID]; !exists {
				return nil
			}
		}
		for _, msgID := range u.Messages {
			if err := onEvent(LiveEvent{
				Kind:   LiveEventDelete,
				ChatID: chatID,
				MsgID:  int64(msgID),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	dispatcher.OnDeleteMessages(func(_ context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
		for _, msgID := range u.Messages {
			chatSet, ok := knownMsgChats[int64(msgID)]
			if !ok {
				continue
			}
			for chatID := range chatSet {
				if len(filter) > 0 {
					if _, exists := filter[chatID]; !exists {
						continue
					}
				}
				if err := onEvent(LiveEvent{
					Kind:   LiveEventDelete,
					ChatID: chatID,
					MsgID:  int64(msgID),
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})

	manager := updates.New(updates.Config{
		Handler: dispatcher,
	})

	return s.withClientUsingOptions(ctx, apiID, apiHash, tdtelegram.Options{
		SessionStorage: &AtomicSessionStorage{
			Path: s.sessionPath,
		},
		UpdateHandler: manager,
	}, func(runCtx context.Context, client *tdtelegram.Client) error {
		authStatus, statusErr := client.Auth().Status(runCtx)
		if statusErr != nil {
			return statusErr
		}
		if !authStatus.Authorized {
			return ErrUnauthorized
		}
		self, selfErr := client.Self(runCtx)
		if selfErr != nil {
			return selfErr
		}
		return manager.Run(runCtx, client.API(), self.ID, updates.AuthOptions{
			IsBot: self.Bot,
		})
	})
}

type resolvedDialog struct {
	dialog Dialog
	peer   tg.InputPeerClass
}

func collectDialogLookup(ctx context.Context, client *tdtelegram.Client) (map[int64]resolvedDialog, error) {
	lookup := make(map[int64]resolvedDialog, 256)
	queryBuilder := query.GetDialogs(client.API()).BatchSize(100)
	err := queryBuilder.ForEach(ctx, func(_ context.Context, elem dialogs.Elem) error {
		dialog, ok := dialogFromElem(elem)
		if !ok || strings.TrimSpace(dialog.Title) == "" {
			return nil
		}
		lookup[dialog.ChatID] = resolvedDialog{
			dialog: dialog,
			peer:   elem.Peer,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lookup, nil
}

type syncRunMetrics struct {
	historyRequests  int
	floodWaitEvents  int
	floodWaitSeconds int64
	throttleSleeps   int
	throttleSleepMS  int64
	floodSkipped     int
}

func (m *syncRunMetrics) recordRequest() {
	if m == nil {
		return
	}
	m.historyRequests++
}

func (m *syncRunMetrics) recordFloodWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.floodWaitEvents++
	seconds := int64(wait / time.Second)
	if wait%time.Second != 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	m.floodWaitSeconds += seconds
}

func (m *syncRunMetrics) recordFloodSkip() {
	if m == nil {
		return
	}
	m.floodSkipped++
}

func (m *syncRunMetrics) recordThrottleSleep(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.throttleSleeps++
	m.throttleSleepMS += d.Milliseconds()
}

func (m *syncRunMetrics) toPublic(currentBatch int, startedAtUnix int64, completedAtUnix int64) SyncMetrics {
	if currentBatch <= 0 {
		currentBatch = historyBatchSize
	}
	return SyncMetrics{
		HistoryRequests:  m.historyRequests,
		FloodWaitEvents:  m.floodWaitEvents,
		FloodWaitSeconds: m.floodWaitSeconds,
		ThrottleSleeps:   m.throttleSleeps,
		ThrottleSleepMS:  m.throttleSleepMS,
		FloodSkipped:     m.floodSkipped,
		BatchCurrent:     currentBatch,
		StartedAtUnix:    startedAtUnix,
		CompletedAtUnix:  completedAtUnix,
	}
}

func (s *Service) currentAdaptiveBatchSize() int {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	return s.currentAdaptiveBatchSizeLocked()
}

func (s *Service) currentAdaptiveBatchSizeLocked() int {
	if s.adaptiveBatchSize <= 0 || s.adaptiveBatchSize > historyBatchSize {
		s.adaptiveBatchSize = historyBatchSize
	}
	if s.adaptiveBatchSize < minHistoryBatchSize {
		s.adaptiveBatchSize = minHistoryBatchSize
	}
	return s.adaptiveBatchSize
}

func (s *Service) noteAdaptiveBatchSuccess() {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	current := s.currentAdaptiveBatchSizeLocked()
	if current >= historyBatchSize {
		s.adaptiveBatchSize = historyBatchSize
		s.adaptiveSuccessStreak = 0
		return
	}
	s.adaptiveSuccessStreak++
	if s.adaptiveSuccessStreak < historySuccessBumpThreshold {
		return
	}
	next := current + historyBatchStep
	if next > historyBatchSize {
		next = historyBatchSize
	}
	s.adaptiveBatchSize = next
	s.adaptiveSuccessStreak = 0
}

func (s *Service) noteAdaptiveBatchFlood(chatID int64, wait time.Duration) time.Time {
	if wait <= 0 {
		wait = 3 * time.Second
	}
	if wait > maxFloodCacheWait {
		wait = maxFloodCacheWait
	}
	until := time.Now().Add(wait + floodCacheGrace)

	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	if s.floodUntilByChat == nil {
		s.floodUntilByChat = make(map[int64]time.Time, 64)
	}
	if existing, ok := s.floodUntilByChat[chatID]; ok && existing.After(until) {
		until = existing
	} else {
		s.floodUntilByChat[chatID] = until
	}

	current := s.currentAdaptiveBatchSizeLocked()
	next := current / 2
	if next < minHistoryBatchSize {
		next = minHistoryBatchSize
	}
	s.adaptiveBatchSize = next
	s.adaptiveSuccessStreak = 0
	return until
}

func (s *Service) historyFloodBlocked(chatID int64) bool {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()
	if s.floodUntilByChat == nil {
		return false
	}
	until, ok := s.floodUntilByChat[chatID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.floodUntilByChat, chatID)
		return false
	}
	return true
}

func (s *Service) waitHistoryLimiter(ctx context.Context, chatID int64, metrics *syncRunMetrics) error {
	for {
		wait := time.Duration(0)
		now := time.Now()

		s.throttleMu.Lock()
		if s.historyLastReqByChat == nil {
			s.historyLastReqByChat = make(map[int64]time.Time, 64)
		}
		if since := now.Sub(s.historyLastGlobalReqAt); since < historyGlobalMinInterval {
			wait = historyGlobalMinInterval - since
		}
		if last, ok := s.historyLastReqByChat[chatID]; ok {
			if since := now.Sub(last); since < historyPerChatMinInterval {
				perChatWait := historyPerChatMinInterval - since
				if perChatWait > wait {
					wait = perChatWait
				}
			}
		}
		if wait <= 0 {
			s.historyLastGlobalReqAt = now
			s.historyLastReqByChat[chatID] = now
			s.throttleMu.Unlock()
			return nil
		}
		s.throttleMu.Unlock()

		metrics.recordThrottleSleep(wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) syncSingleChat(ctx context.Context, api *tg.Client, dialog resolvedDialog, state SyncChatState, maxPerChat int, metrics *syncRunMetrics) (ChatSyncResult, []domain.Message, []MediaRef, error) {
	lastSyncedUnix := time.Now().Unix()
	result := ChatSyncResult{
		ChatID:          state.ChatID,
		NextCursor:      strings.TrimSpace(state.SyncCursor),
		LastMessageUnix: state.LastMessageUnix,
		LastSyncedUnix:  lastSyncedUnix,
		BackfillDone:    strings.TrimSpace(state.SyncCursor) == "",
	}

	remaining := maxPerChat
	messages := make([]domain.Message, 0, minInt(historyBatchSize, maxPerChat))
	media := make([]MediaRef, 0, minInt(historyBatchSize, maxPerChat))
	lastKnown := state.LastMessageUnix
	tailMinID := 0
	hitKnown := false
	chatID := dialog.dialog.ChatID

	// Head pass: newest first, stop at the last known timestamp.
	offsetID := 0
	for remaining > 0 {
		requestLimit := minInt(s.currentAdaptiveBatchSize(), remaining)
		if requestLimit <= 0 {
			break
		}
		metrics.recordRequest()
		page, pageErr := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     dialog.peer,
			OffsetID: offsetID,
			Limit:    requestLimit,
		})
		if pageErr != nil {
			if wait, ok := tgerr.AsFloodWait(pageErr); ok {
				s.noteAdaptiveBatchFlood(chatID, wait)
				metrics.recordFloodWait(wait)
				return result, messages, media, nil
			}
			return result, nil, nil, pageErr
		}
		s.noteAdaptiveBatchSuccess()
		modified, ok := page.AsModified()
		if !ok {
			break
		}

		pageMessages := modified.GetMessages()
		if len(pageMessages) == 0 {
			break
		}
		entities := buildEntityLookup(modified.GetUsers(), modified.GetChats())

		pageMinID := 0
		for _, msgClass := range pageMessages {
			msg, ok := msgClass.(*tg.Message)
			if !ok {
				continue
			}
			if msg.ID > 0 && (pageMinID == 0 || msg.ID < pageMinID) {
				pageMinID = msg.ID
			}
			if lastKnown > 0 && int64(msg.Date) <= lastKnown {
				hitKnown = true
				continue
			}

			synced := toDomainMessage(chatID, msg, entities)
			messages = append(messages, synced)
			media = append(media, extractMediaRefs(chatID, msg)...)
			result.Upserted++
			if synced.Timestamp > result.LastMessageUnix {
				result.LastMessageUnix = synced.Timestamp
			}

			remaining--
			if remaining <= 0 {
				break
			}
		}

		if pageMinID <= 0 {
			break
		}
		tailMinID = pageMinID
		if hitKnown || len(pageMessages) < requestLimit {
			break
		}
		if offsetID == pageMinID {
			break
		}
		offsetID = pageMinID
	}

	backfillOffset, hasCursor := parseCursor(state.SyncCursor)
	if !hasCursor && lastKnown == 0 && tailMinID > 0 && remaining <= 0 {
		backfillOffset = tailMinID
		hasCursor = true
	}
	if !hasCursor {
		result.NextCursor = ""
		result.BackfillDone = true
		return result, messages, media, nil
	}

	// Tail pass: resume backfill toward history start.
	result.BackfillDone = false
	if s.historyFloodBlocked(chatID) {
		result.NextCursor = strconv.Itoa(backfillOffset)
		metrics.recordFloodSkip()
		return result, messages, media, nil
	}
	for remaining > 0 {
		if s.historyFloodBlocked(chatID) {
			result.NextCursor = strconv.Itoa(backfillOffset)
			metrics.recordFloodSkip()
			return result, messages, media, nil
		}
		if err := s.waitHistoryLimiter(ctx, chatID, metrics); err != nil {
			return result, nil, nil, err
		}
		requestLimit := minInt(s.currentAdaptiveBatchSize(), remaining)
		if requestLimit <= 0 {
			break
		}
		metrics.recordRequest()
		page, pageErr := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     dialog.peer,
			OffsetID: backfillOffset,
			Limit:    requestLimit,
		})
		if pageErr != nil {
			if wait, ok := tgerr.AsFloodWait(pageErr); ok {
				s.noteAdaptiveBatchFlood(chatID, wait)
				metrics.recordFloodWait(wait)
				result.NextCursor = strconv.Itoa(backfillOffset)
				return result, messages, media, nil
			}
			return result, nil, nil, pageErr
		}
		s.noteAdaptiveBatchSuccess()
		modified, ok := page.AsModified()
		if !ok {
			result.NextCursor = ""
			result.BackfillDone = true
			return result, messages, media, nil
		}

		pageMessages := modified.GetMessages()
		if len(pageMessages) == 0 {
			result.NextCursor = ""
			result.BackfillDone = true
			return result, messages, media, nil
		}
		entities := buildEntityLookup(modified.GetUsers(), modified.GetChats())

		pageMinID := 0
		for _, msgClass := range pageMessages {
			msg, ok := msgClass.(*tg.Message)
			if !ok {
				continue
			}
			if msg.ID > 0 && (pageMinID == 0 || msg.ID < pageMinID) {
				pageMinID = msg.ID
			}

			synced := toDomainMessage(chatID, msg, entities)
			messages = append(messages, synced)
			media = append(media, extractMediaRefs(chatID, msg)...)
			result.Upserted++
			if synced.Timestamp > result.LastMessageUnix {
				result.LastMessageUnix = synced.Timestamp
			}

			remaining--
			if remaining <= 0 {
				break
			}
		}

		if pageMinID <= 0 || pageMinID == backfillOffset {
			result.NextCursor = ""
			result.BackfillDone = true
			return result, messages, media, nil
		}

		if len(pageMessages) < requestLimit {
			result.NextCursor = ""
			result.BackfillDone = true
			return result, messages, media, nil
		}
		backfillOffset = pageMinID
	}

	result.NextCursor = strconv.Itoa(backfillOffset)
	return result, messages, media, nil
}

type entityLookup struct {
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func buildEntityLookup(users []tg.UserClass, chats []tg.ChatClass) entityLookup {
	lookup := entityLookup{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    map[int64]*tg.Chat{},
		channels: map[int64]*tg.Channel{},
	}
	for _, userClass := range users {
		user, ok := userClass.(*tg.User)
		if ok && user != nil {
			lookup.users[user.ID] = user
		}
	}
	for _, chatClass := range chats {
		switch entry := chatClass.(type) {
		case *tg.Chat:
			if entry != nil {
				lookup.chats[entry.ID] = entry
			}
		case *tg.Channel:
			if entry != nil {
				lookup.channels[entry.ID] = entry
			}
		}
	}
	return lookup
}

func buildEntityLookupFromUpdate(entities tg.Entities) entityLookup {
	lookup := entityLookup{
		users:    make(map[int64]*tg.User, len(entities.Users)),
		chats:    make(map[int64]*tg.Chat, len(entities.Chats)),
		channels: make(map[int64]*tg.Channel, len(entities.Channels)),
	}
	for id, user := range entities.Users {
		lookup.users[id] = user
	}
	for id, chat := range entities.Chats {
		lookup.chats[id] = chat
	}
	for id, channel := range entities.Channels {
		lookup.channels[id] = channel
	}
	return lookup
}

func toDomainMessage(chatID int64, msg *tg.Message, entities entityLookup) domain.Message {
	senderID, sender := resolveSender(msg, entities)
	out := domain.Message{
		ChatID:        chatID,
		MsgID:         int64(msg.ID),
		Timestamp:     int64(msg.Date),
		EditTS:        int64(msg.EditDate),
		SenderID:      senderID,
		SenderDisplay: sender,
		Text:          msg.Message,
		HasMedia:      msg.Media != nil,
	}
	if name, mime, size, ok := documentMeta(msg); ok {
		out.FileName = name
		out.FileMime = mime
		out.FileSize = size
	}
	return out
}

func resolveSender(msg *tg.Message, entities entityLookup) (int64, string) {
	if msg == nil {
		return 0, ""
	}
	if peer, ok := msg.GetFromID(); ok {
		switch from := peer.(type) {
		case *tg.PeerUser:
			if user, ok := entities.users[from.UserID]; ok && user != nil {
				if user.Self {
					return from.UserID, "You"
				}
				return from.UserID, formatUserDisplay(user)
			}
			return from.UserID, "User " + strconv.FormatInt(from.UserID, 10)
		case *tg.PeerChat:
			if chat, ok := entities.chats[from.ChatID]; ok && chat != nil && strings.TrimSpace(chat.Title) != "" {
				return -from.ChatID, chat.Title
			}
			return -from.ChatID, "Chat " + strconv.FormatInt(from.ChatID, 10)
		case *tg.PeerChannel:
			if channel, ok := entities.channels[from.ChannelID]; ok && channel != nil && strings.TrimSpace(channel.Title) != "" {
				return -(channelChatIDOffset + from.ChannelID), channel.Title
			}
			return -(channelChatIDOffset + from.ChannelID), "Channel " + strconv.FormatInt(from.ChannelID, 10)
		}
	}

	if msg.Out {
		return 0, "You"
	}
	if postAuthor, ok := msg.GetPostAuthor(); ok && strings.TrimSpace(postAuthor) != "" {
		return 0, postAuthor
	}
	return 0, ""
}

func documentMeta(msg *tg.Message) (name string, mime string, size int64, ok bool) {
	doc := messageDocument(msg)
	if doc == nil {
		return "", "", 0, false
	}
	return strings.TrimSpace(documentFilename(doc.Attributes)), strings.TrimSpace(doc.MimeType), doc.Size, true
}

// extractMediaRefs captures every document attached to the message, not
// just a particular mime type; downloads_mode on the chat decides what
// actually gets fetched.
func extractMediaRefs(chatID int64, msg *tg.Message) []MediaRef {
	doc := messageDocument(msg)
	if doc == nil {
		return nil
	}
	return []MediaRef{{
		ChatID:        chatID,
		MsgID:         int64(msg.ID),
		DocumentID:    doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
		DCID:          doc.DCID,
		FileName:      strings.TrimSpace(documentFilename(doc.Attributes)),
		MimeType:      strings.TrimSpace(doc.MimeType),
		Size:          doc.Size,
	}}
}

func messageDocument(msg *tg.Message) *tg.Document {
	if msg == nil || msg.Media == nil {
		return nil
	}
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok || media == nil || media.Document == nil {
		return nil
	}
	doc, ok := media.Document.(*tg.Document)
	if !ok || doc == nil {
		return nil
	}
	return doc
}

func documentFilename(attrs []tg.DocumentAttributeClass) string {
	for _, attr := range attrs {
		if attr == nil {
			continue
		}
		if named, ok := attr.(*tg.DocumentAttributeFilename); ok && named != nil {
			return named.FileName
		}
	}
	return ""
}

func peerToChatID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -(channelChatIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

func registerKnownMessage(index map[int64]map[int64]struct{}, msgID int64, chatID int64) {
	if msgID <= 0 {
		return
	}
	chatSet, ok := index[msgID]
	if !ok {
		chatSet = map[int64]struct{}{}
		index[msgID] = chatSet
	}
	chatSet[chatID] = struct{}{}
}

func parseCursor(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

func minInt(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

func dialogFromElem(elem dialogs.Elem) (Dialog, bool) {
	switch peer := elem.Dialog.GetPeer().(type) {
	case *tg.PeerUser:
		user, ok := elem.Entities.User(peer.UserID)
		if !ok || user == nil {
			return Dialog{}, false
		}
		dialogType := "private"
		title := formatUserDisplay(user)
		if user.Self {
			dialogType = "saved"
			title = "Saved Messages"
		}
		return Dialog{
			ChatID: peer.UserID,
			Title:  title,
			Type:   dialogType,
		}, true

	case *tg.PeerChat:
		chat, ok := elem.Entities.Chat(peer.ChatID)
		if !ok || chat == nil {
			return Dialog{}, false
		}
		return Dialog{
			ChatID: -peer.ChatID,
			Title:  chat.Title,
			Type:   "group",
		}, true

	case *tg.PeerChannel:
		channel, ok := elem.Entities.Channel(peer.ChannelID)
		if !ok || channel == nil {
			return Dialog{}, false
		}
		dialogType := "channel"
		if channel.Megagroup {
			dialogType = "group"
		}
		return Dialog{
			ChatID: -(channelChatIDOffset + peer.ChannelID),
			Title:  channel.Title,
			Type:   dialogType,
		}, true
	}

	return Dialog{}, false
}
