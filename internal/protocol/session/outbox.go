package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingMessage tracks one outbound message awaiting message-ack.
type PendingMessage struct {
	LocalID       string
	SessionID     string
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	AckDeadlineAt time.Time
	LastError     string
}

// Outbox stores pending outbound messages by stable localId.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingMessage
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]PendingMessage),
	}
}

func (o *Outbox) Upsert(item PendingMessage) {
	key := strings.TrimSpace(item.LocalID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *Outbox) MarkAttempt(localID string, at time.Time, lastErr string) (PendingMessage, bool) {
	key := strings.TrimSpace(localID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingMessage{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

// Ack removes localID and reports whether it was pending.
func (o *Outbox) Ack(localID string) (PendingMessage, bool) {
	key := strings.TrimSpace(localID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if ok {
		delete(o.items, key)
	}
	return item, ok
}

func (o *Outbox) Get(localID string) (PendingMessage, bool) {
	key := strings.TrimSpace(localID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

// Expired lists pending messages whose ack deadline is before now.
func (o *Outbox) Expired(now time.Time) []PendingMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingMessage, 0)
	for _, item := range o.items {
		if !item.AckDeadlineAt.IsZero() && item.AckDeadlineAt.Before(now) {
			out = append(out, item)
		}
	}
	sortPending(out)
	return out
}

func (o *Outbox) List() []PendingMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingMessage, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sortPending(out)
	return out
}

func sortPending(items []PendingMessage) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].LocalID < items[j].LocalID
		}
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
}
