// Package memory is the client for the remote long-term memory service
// with a local cache of important entries and learned patterns.
//
// The remote service is the system of record. The local cache only
// holds entries with importance above [CacheThreshold] (plus anything
// fetched by ID) and is lost on restart.
package memory

import (
	"errors"
	"time"
)

// Categories used by the guardian.
const (
	CategoryPattern      = "pattern"
	CategoryPreference   = "preference"
	CategoryRoutine      = "routine"
	CategoryEvent        = "event"
	CategoryConversation = "conversation"
	CategoryEmergency    = "emergency"
)

// CacheThreshold is the importance above which new entries are cached.
const CacheThreshold = 0.7

// ErrNotFound is returned when the remote service has no entry for an ID.
var ErrNotFound = errors.New("memory not found")

// Entry is one stored memory.
type Entry struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Category   string         `json:"category"`
	UserID     string         `json:"user_id,omitempty"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has an expiry at or before now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// NewEntry is the input to [Store.Add].
type NewEntry struct {
	Content    string
	Category   string
	UserID     string
	Importance float64
	Tags       []string
	Metadata   map[string]any
	ExpiresAt  *time.Time
}

// Query is the input to [Store.Search]. Limit defaults to 10.
type Query struct {
	Text    string
	UserID  string
	Limit   int
	Filters map[string]any
}

// Pattern is a learned household behaviour.
type Pattern struct {
	UserID      string         `json:"user_id"`
	Type        string         `json:"pattern_type"`
	Data        map[string]any `json:"pattern_data"`
	Confidence  float64        `json:"confidence"`
	Occurrences int            `json:"occurrences"`
	LastUpdated time.Time      `json:"last_updated"`
}

// QueryContext grounds an LLM call.
type QueryContext struct {
	Memories  []Entry   `json:"relevant_memories"`
	Patterns  []Pattern `json:"user_patterns"`
	Query     string    `json:"query"`
	Timestamp time.Time `json:"timestamp"`
}

// wire formats for the memories resource

type wireMetadata struct {
	Category       string         `json:"category"`
	UserID         string         `json:"user_id,omitempty"`
	Importance     float64        `json:"importance"`
	Tags           []string       `json:"tags,omitempty"`
	CustomMetadata map[string]any `json:"custom_metadata,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
}

type wireCreate struct {
	Content  string       `json:"content"`
	Metadata wireMetadata `json:"metadata"`
	UserID   string       `json:"user_id,omitempty"`
}

type wireSearch struct {
	Query   string         `json:"query"`
	Limit   int            `json:"limit"`
	UserID  string         `json:"user_id,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
}

type wireMemory struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	UserID    string       `json:"user_id"`
	CreatedAt time.Time    `json:"created_at"`
	Metadata  wireMetadata `json:"metadata"`
}

type wireSearchResult struct {
	Memories []wireMemory `json:"memories"`
}

func (w wireMemory) entry() Entry {
	userID := w.UserID
	if userID == "" {
		userID = w.Metadata.UserID
	}
	importance := w.Metadata.Importance
	if importance == 0 {
		importance = 0.5
	}
	return Entry{
		ID:         w.ID,
		Content:    w.Content,
		Category:   w.Metadata.Category,
		UserID:     userID,
		Importance: importance,
		Tags:       w.Metadata.Tags,
		Metadata:   w.Metadata.CustomMetadata,
		CreatedAt:  w.CreatedAt,
		ExpiresAt:  w.Metadata.ExpiresAt,
	}
}
