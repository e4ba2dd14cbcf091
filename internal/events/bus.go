package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindMessageUpserted Kind = "message_upserted"
	KindMessageDeleted  Kind = "message_deleted"
	KindSyncCompleted   Kind = "sync_completed"
	KindDownloadUpdated Kind = "download_updated"
	KindBotStateChanged Kind = "bot_state_changed"
	KindAuthChanged     Kind = "auth_changed"
	KindGitHubSynced    Kind = "github_synced"
)

type Event struct {
	Kind    Kind   `json:"kind"`
	AtUnix  int64  `json:"at_unix"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Bus fans events out to subscribers. Subscriber channels are buffered;
// a subscriber that stops draining loses events rather than blocking
// publishers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

func (b *Bus) Publish(kind Kind, payload any) {
	b.publish(Event{Kind: kind, AtUnix: time.Now().Unix(), Payload: payload})
}

func (b *Bus) PublishError(kind Kind, err error) {
	event := Event{Kind: kind, AtUnix: time.Now().Unix()}
	if err != nil {
		event.Error = err.Error()
	}
	b.publish(event)
}

func (b *Bus) publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a receive channel and an unsubscribe func. The
// unsubscribe func closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
