// Package outbox holds messages that could not be dispatched yet, along with
// the duplicate-send guard and idempotency key bookkeeping shared with direct
// sends.
package outbox

import (
	"slices"
	"strings"
	"time"

	"github.com/bhandras/gatewaykit/internal/gateway"
	"github.com/pkg/errors"
)

// ErrDuplicate rejects a send that repeats the previous one too quickly.
var ErrDuplicate = errors.New("message already sent")

// Policy holds the outbox timing knobs.
type Policy struct {
	// DuplicateBlockWindow rejects an identical send inside this window.
	DuplicateBlockWindow time.Duration
	// ReuseWindow keeps the idempotency key of an identical send inside this
	// window so the gateway can drop the repeat.
	ReuseWindow time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxRetries bounds failed attempts per item; zero means unbounded.
	MaxRetries int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		DuplicateBlockWindow: 1400 * time.Millisecond,
		ReuseWindow:          60 * time.Second,
		BaseDelay:            1500 * time.Millisecond,
		MaxDelay:             30 * time.Second,
	}
}

// Item is one queued message.
type Item struct {
	ID             string               `json:"id"`
	SessionKey     string               `json:"sessionKey"`
	Message        string               `json:"message"`
	TurnID         string               `json:"turnId"`
	IdempotencyKey string               `json:"idempotencyKey"`
	Attachments    []gateway.Attachment `json:"attachments,omitempty"`
	CreatedAt      int64                `json:"createdAt"`
	RetryCount     int                  `json:"retryCount"`
	NextRetryAt    int64                `json:"nextRetryAt"`
	LastError      string               `json:"lastError,omitempty"`
}

// Fingerprint remembers the last dispatched message of a session.
type Fingerprint struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	SentAt         int64  `json:"sentAt"`
}

// NormalizeMessage collapses whitespace runs and trims the message.
func NormalizeMessage(message string) string {
	return strings.Join(strings.Fields(message), " ")
}

// Backoff returns the delay before retry number retryCount (zero based).
func Backoff(p Policy, retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 32 {
		retryCount = 32
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Queue is the ordered outbox plus per-session fingerprints.
type Queue struct {
	policy       Policy
	items        []Item
	fingerprints map[string]Fingerprint
}

// NewQueue returns an empty queue.
func NewQueue(policy Policy) Queue {
	return Queue{policy: policy, fingerprints: make(map[string]Fingerprint)}
}

// Policy returns the queue's policy.
func (q *Queue) Policy() Policy { return q.policy }

// CheckDuplicate returns ErrDuplicate when message repeats the session's last
// dispatch within the block window.
func (q *Queue) CheckDuplicate(sessionKey, message string, nowMs int64) error {
	fp, ok := q.fingerprints[sessionKey]
	if !ok || fp.Message != NormalizeMessage(message) {
		return nil
	}
	if nowMs-fp.SentAt < q.policy.DuplicateBlockWindow.Milliseconds() {
		return ErrDuplicate
	}
	return nil
}

// ResolveIdempotencyKey returns the key to use for message: the previous key
// when the same message was last dispatched inside the reuse window,
// otherwise candidate.
func (q *Queue) ResolveIdempotencyKey(sessionKey, message string, nowMs int64, candidate string) string {
	fp, ok := q.fingerprints[sessionKey]
	if !ok || fp.IdempotencyKey == "" || fp.Message != NormalizeMessage(message) {
		return candidate
	}
	if nowMs-fp.SentAt < q.policy.ReuseWindow.Milliseconds() {
		return fp.IdempotencyKey
	}
	return candidate
}

// RecordDispatch updates the session fingerprint after a send was dispatched
// or queued.
func (q *Queue) RecordDispatch(sessionKey, message, key string, nowMs int64) {
	if q.fingerprints == nil {
		q.fingerprints = make(map[string]Fingerprint)
	}
	q.fingerprints[sessionKey] = Fingerprint{
		Message:        NormalizeMessage(message),
		IdempotencyKey: key,
		SentAt:         nowMs,
	}
}

// Enqueue appends item. An item whose id is already queued is ignored.
func (q *Queue) Enqueue(item Item) bool {
	if _, ok := q.Get(item.ID); ok {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// Requeue puts item back ahead of everything submitted after it. It is used
// for a direct send that failed while later messages were already queued.
func (q *Queue) Requeue(item Item) bool {
	if _, ok := q.Get(item.ID); ok {
		return false
	}
	at := len(q.items)
	for i, it := range q.items {
		if it.CreatedAt > item.CreatedAt {
			at = i
			break
		}
	}
	q.items = slices.Insert(q.items, at, item)
	return true
}

// Head returns the oldest queued item.
func (q *Queue) Head() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Get returns the item with id.
func (q *Queue) Get(id string) (Item, bool) {
	for _, it := range q.items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Remove deletes the item with id and reports whether it existed.
func (q *Queue) Remove(id string) bool {
	for i, it := range q.items {
		if it.ID != id {
			continue
		}
		next := make([]Item, 0, len(q.items)-1)
		next = append(next, q.items[:i]...)
		next = append(next, q.items[i+1:]...)
		q.items = next
		return true
	}
	return false
}

// MarkFailure records a failed attempt on id and schedules the next one.
//
// exhausted is true when the item has used up Policy.MaxRetries; the caller
// decides whether to drop it.
func (q *Queue) MarkFailure(id, lastError string, nowMs int64) (item Item, exhausted bool, ok bool) {
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		it := &q.items[i]
		delay := Backoff(q.policy, it.RetryCount)
		it.RetryCount++
		it.NextRetryAt = nowMs + delay.Milliseconds()
		it.LastError = lastError
		exhausted = q.policy.MaxRetries > 0 && it.RetryCount >= q.policy.MaxRetries
		return *it, exhausted, true
	}
	return Item{}, false, false
}

// DelayUntilHead returns how long until the head item is due, zero when it is
// due now. ok is false for an empty queue.
func (q *Queue) DelayUntilHead(nowMs int64) (time.Duration, bool) {
	head, ok := q.Head()
	if !ok {
		return 0, false
	}
	if head.NextRetryAt <= nowMs {
		return 0, true
	}
	return time.Duration(head.NextRetryAt-nowMs) * time.Millisecond, true
}

// ForSession returns the queued items of sessionKey in order.
func (q *Queue) ForSession(sessionKey string) []Item {
	var out []Item
	for _, it := range q.items {
		if it.SessionKey == sessionKey {
			out = append(out, it)
		}
	}
	return out
}

// Items returns a copy of the queue in order.
func (q *Queue) Items() []Item {
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }
