// Package diagnostics keeps the recent chat requests served by the gateway
// for the debug endpoints.
package diagnostics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ai-gateway/chat-gateway/internal/resolver"
)

// Unknown is reported before any local request has resolved a backend.
var Unknown = resolver.Backend{BaseURL: "unknown", Source: "unknown"}

// Entry records one request body and, on the local path, the backend it
// resolved to.
type Entry struct {
	Body       json.RawMessage   `json:"body"`
	Resolved   *resolver.Backend `json:"resolved,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`

	seq uint64
}

// Echo is a bounded ring of recent requests, safe for concurrent use.
type Echo struct {
	mu       sync.Mutex
	entries  []Entry
	next     int
	full     bool
	seq      uint64
	resolved *resolver.Backend
}

func NewEcho(size int) *Echo {
	if size < 1 {
		size = 1
	}
	return &Echo{entries: make([]Entry, size)}
}

// Ticket identifies a recorded entry.
type Ticket struct {
	slot int
	seq  uint64
}

// Record stores body and returns a ticket so the resolved backend can be
// attached once known.
func (e *Echo) Record(body []byte) Ticket {
	cp := append(json.RawMessage(nil), body...)
	if !json.Valid(cp) {
		quoted, _ := json.Marshal(string(body))
		cp = quoted
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	slot := e.next
	e.entries[slot] = Entry{Body: cp, ReceivedAt: time.Now(), seq: e.seq}
	e.next = (e.next + 1) % len(e.entries)
	if e.next == 0 {
		e.full = true
	}
	return Ticket{slot: slot, seq: e.seq}
}

// Resolve attaches b to the ticket's entry, unless it has been overwritten,
// and makes it the latest resolved backend.
func (e *Echo) Resolve(t Ticket, b resolver.Backend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.seq != 0 && e.entries[t.slot].seq == t.seq {
		e.entries[t.slot].Resolved = &b
	}
	e.resolved = &b
}

// Snapshot is the debug echo view.
type Snapshot struct {
	LastBody json.RawMessage  `json:"last_body"`
	Resolved resolver.Backend `json:"resolved"`
	History  []Entry          `json:"history"`
}

// Snapshot returns the entries newest first. LastBody is JSON null when
// nothing was recorded yet.
func (e *Echo) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.next
	if e.full {
		n = len(e.entries)
	}
	s := Snapshot{
		LastBody: json.RawMessage("null"),
		Resolved: Unknown,
		History:  make([]Entry, 0, n),
	}
	for i := 1; i <= n; i++ {
		idx := (e.next - i + len(e.entries)) % len(e.entries)
		s.History = append(s.History, e.entries[idx])
	}
	if n > 0 {
		s.LastBody = s.History[0].Body
	}
	if e.resolved != nil {
		s.Resolved = *e.resolved
	}
	return s
}
