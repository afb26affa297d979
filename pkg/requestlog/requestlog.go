// Package requestlog records finished calls for inspection through the admin
// API. Both protocol adapters log the same normalized entry shape, so a mixed
// gRPC/web test run reads as one history.
package requestlog

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Protocol labels for entries.
const (
	ProtocolGRPC = "grpc"
	ProtocolWeb  = "web"
)

// Entry captures one finished call.
type Entry struct {
	// ID is a unique identifier assigned when the entry is logged.
	ID string `json:"id"`

	// Timestamp is when the call started.
	Timestamp time.Time `json:"timestamp"`

	// Protocol is grpc or web.
	Protocol string `json:"protocol"`

	// Service and Method identify the called method.
	Service string `json:"service"`
	Method  string `json:"method"`

	// Shape is the streaming pattern (unary, server_stream, client_stream,
	// bidi).
	Shape string `json:"shape"`

	// Metadata is the inbound call metadata.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Request is the decoded request payload. For inbound streams this is
	// the aggregate view.
	Request map[string]any `json:"request,omitempty"`

	// Responses is the number of reply messages sent.
	Responses int `json:"responses"`

	// Code is the status code name the call finished with.
	Code string `json:"code"`

	// Error is the status message for failed calls.
	Error string `json:"error,omitempty"`

	// DurationMS is the call processing time in milliseconds.
	DurationMS int64 `json:"duration_ms"`
}

// Logger is what the protocol adapters log into.
type Logger interface {
	Log(entry *Entry)
}

// Filter narrows a List call.
type Filter struct {
	Protocol string
	Service  string
	Method   string
	Code     string
	Limit    int
	Offset   int
}

// Store is a fixed-capacity in-memory ring of entries, newest first. Safe
// for concurrent use.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  []*Entry
	next     int
	size     int
}

// DefaultCapacity bounds the store when no capacity is configured.
const DefaultCapacity = 1000

// NewStore creates a store keeping at most capacity entries; older entries
// are evicted.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  make([]*Entry, capacity),
	}
}

// Log records one entry, assigning its ID and timestamp when unset.
func (s *Store) Log(entry *Entry) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.next] = entry
	s.next = (s.next + 1) % s.capacity
	if s.size < s.capacity {
		s.size++
	}
}

// Get returns an entry by ID, or nil.
func (s *Store) Get(id string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.ordered() {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// List returns entries newest first, filtered. A nil filter returns
// everything.
func (s *Store) List(filter *Filter) []*Entry {
	s.mu.RLock()
	entries := s.ordered()
	s.mu.RUnlock()

	if filter == nil {
		return entries
	}

	matched := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if filter.Protocol != "" && e.Protocol != filter.Protocol {
			continue
		}
		if filter.Service != "" && !strings.EqualFold(e.Service, filter.Service) {
			continue
		}
		if filter.Method != "" && !strings.EqualFold(e.Method, filter.Method) {
			continue
		}
		if filter.Code != "" && !strings.EqualFold(e.Code, filter.Code) {
			continue
		}
		matched = append(matched, e)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// Clear drops all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]*Entry, s.capacity)
	s.next = 0
	s.size = 0
}

// Count returns the number of stored entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// ordered returns entries newest first. Caller holds the lock.
func (s *Store) ordered() []*Entry {
	out := make([]*Entry, 0, s.size)
	for i := 1; i <= s.size; i++ {
		out = append(out, s.entries[(s.next-i+s.capacity)%s.capacity])
	}
	return out
}
