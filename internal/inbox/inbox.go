// Package inbox implements the bounded FIFO store of received messages:
// each accepted message is stamped with a UUID, appended to a
// capacity-bounded deque, and the oldest entry is evicted once the deque
// is full.
package inbox

import (
	"container/list"
	"sync"
	"time"

	"github.com/cronus42/jabber-mcp/internal/convert"
	"github.com/cronus42/jabber-mcp/internal/ids"
)

// previewLimit is the maximum rune length of the truncated body preview
// returned by List.
const previewLimit = 50

const previewSuffix = "..."

// Record is one stored inbound message.
type Record struct {
	ID      string
	FromJID string
	Body    string
	TS      time.Time
}

// Entry is the truncated-preview shape returned by List.
type Entry struct {
	ID      string    `json:"id"`
	FromJID string    `json:"from_jid"`
	Preview string    `json:"preview"`
	TS      time.Time `json:"ts"`
}

// Stats summarizes the inbox's current occupancy.
type Stats struct {
	Total              int     `json:"total"`
	Capacity           int     `json:"capacity"`
	UtilizationPercent float64 `json:"utilization_percent"`
	Evicted            int     `json:"evicted_total"`
}

// Inbox is a mutex-protected, capacity-bounded FIFO of received messages,
// addressable by UUID for get-by-id access. Records leave only by
// eviction or Clear; there is no remove-by-id.
type Inbox struct {
	capacity int

	mu      sync.Mutex
	order   *list.List
	byID    map[string]*list.Element
	evicted int
}

// New constructs an Inbox holding at most capacity records. capacity <= 0
// is treated as unbounded.
func New(capacity int) *Inbox {
	return &Inbox{
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[string]*list.Element),
	}
}

// Append stores a received event, evicting the oldest record if the
// inbox is at capacity, and returns the freshly assigned UUID.
func (ib *Inbox) Append(event convert.ReceivedEvent) string {
	id := ids.NewMessageID()
	rec := Record{ID: id, FromJID: event.FromJID, Body: event.Body, TS: event.TS}

	ib.mu.Lock()
	defer ib.mu.Unlock()

	elem := ib.order.PushBack(rec)
	ib.byID[id] = elem

	if ib.capacity > 0 {
		for ib.order.Len() > ib.capacity {
			ib.evictOldestLocked()
		}
	}

	return id
}

func (ib *Inbox) evictOldestLocked() {
	front := ib.order.Front()
	if front == nil {
		return
	}
	rec := front.Value.(Record)
	delete(ib.byID, rec.ID)
	ib.order.Remove(front)
	ib.evicted++
}

// Get returns the record for id, if it exists.
func (ib *Inbox) Get(id string) (Record, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	elem, ok := ib.byID[id]
	if !ok {
		return Record{}, false
	}
	return elem.Value.(Record), true
}

// List returns records newest-first, with body truncated to a preview.
// limit <= 0 means unlimited.
func (ib *Inbox) List(limit int) []Entry {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	out := make([]Entry, 0, ib.order.Len())
	for e := ib.order.Back(); e != nil; e = e.Prev() {
		rec := e.Value.(Record)
		out = append(out, Entry{
			ID:      rec.ID,
			FromJID: rec.FromJID,
			Preview: truncate(rec.Body),
			TS:      rec.TS,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Clear empties the inbox and returns the number of records removed.
func (ib *Inbox) Clear() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	n := ib.order.Len()
	ib.order.Init()
	ib.byID = make(map[string]*list.Element)
	return n
}

// Stats reports current occupancy and lifetime eviction count.
func (ib *Inbox) Stats() Stats {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	total := ib.order.Len()
	var utilization float64
	if ib.capacity > 0 {
		utilization = float64(total) / float64(ib.capacity) * 100
	}

	return Stats{
		Total:              total,
		Capacity:           ib.capacity,
		UtilizationPercent: utilization,
		Evicted:            ib.evicted,
	}
}

// truncate shortens body to previewLimit runes, appending previewSuffix
// when truncation occurs so the total length never exceeds previewLimit.
func truncate(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLimit {
		return body
	}
	keep := previewLimit - len(previewSuffix)
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + previewSuffix
}
