package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/apiclient"
	"github.com/nugget/magdala/internal/metrics"
)

const (
	defaultSearchLimit = 10
	contextMemories    = 5
	contextPatterns    = 3
	createdBy          = "guardian_agent"
)

// Config locates the memory service.
type Config struct {
	BaseURL string
	APIKey  string
	// WarmLimit is how many pattern/preference/routine entries
	// Initialize loads into the cache. Zero skips warming.
	WarmLimit int
}

// Store reads and writes the memories resource. Every method returns
// an explicit error; the caller decides how to degrade.
type Store struct {
	api    *apiclient.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	entries *cache.Cache

	// sweepMu keeps CleanupExpired's before/after count consistent.
	sweepMu sync.Mutex

	patternsMu sync.RWMutex
	patterns   map[patternKey]Pattern
}

type patternKey struct {
	userID, patternType string
}

// NewStore creates a store. Options are passed to the underlying
// [apiclient.Client].
func NewStore(cfg Config, logger *slog.Logger, opts ...apiclient.Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "memory")
	return &Store{
		api: apiclient.New(apiclient.Config{
			Name:    "memory",
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
		}, logger, opts...),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		// Expired entries are swept by CleanupExpired, not a janitor.
		entries:  cache.New(cache.NoExpiration, 0),
		patterns: make(map[patternKey]Pattern),
	}
}

// Initialize verifies the service is reachable and warms the cache
// with stored patterns, preferences, and routines. A warm-up failure
// is logged but does not fail initialization.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("memory service unreachable: %w", err)
	}
	if s.cfg.WarmLimit <= 0 {
		return nil
	}

	entries, err := s.Search(ctx, Query{
		Limit: s.cfg.WarmLimit,
		Filters: map[string]any{
			"category": []string{CategoryPattern, CategoryPreference, CategoryRoutine},
		},
	})
	if err != nil {
		s.logger.Warn("memory cache warm-up failed", "error", err)
		return nil
	}
	for _, e := range entries {
		s.cacheEntry(e)
	}
	s.logger.Info("memory cache warmed", "entries", len(entries))
	return nil
}

// Ping checks that the service answers a minimal list request.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/memories",
		Query:  url.Values{"limit": {"1"}},
	})
	return err
}

// Close releases the HTTP session.
func (s *Store) Close() {
	s.api.Close()
}

// Add creates a memory remotely and caches it when its importance
// exceeds [CacheThreshold].
func (s *Store) Add(ctx context.Context, in NewEntry) (*Entry, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("add memory: content is required")
	}
	if in.Importance < 0 || in.Importance > 1 {
		return nil, fmt.Errorf("add memory: importance %v out of range [0, 1]", in.Importance)
	}

	resp, err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/memories",
		Body: wireCreate{
			Content: in.Content,
			UserID:  in.UserID,
			Metadata: wireMetadata{
				Category:       in.Category,
				UserID:         in.UserID,
				Importance:     in.Importance,
				Tags:           in.Tags,
				CustomMetadata: in.Metadata,
				ExpiresAt:      in.ExpiresAt,
				CreatedBy:      createdBy,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&created); err != nil {
		return nil, fmt.Errorf("add memory: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("add memory: service returned no id")
	}

	entry := Entry{
		ID:         created.ID,
		Content:    in.Content,
		Category:   in.Category,
		UserID:     in.UserID,
		Importance: in.Importance,
		Tags:       in.Tags,
		Metadata:   in.Metadata,
		CreatedAt:  s.now(),
		ExpiresAt:  in.ExpiresAt,
	}
	if entry.Importance > CacheThreshold {
		s.cacheEntry(entry)
	}

	s.logger.Debug("memory added", "id", entry.ID, "category", entry.Category, "importance", entry.Importance)
	return &entry, nil
}

// Search returns memories ranked by the remote service. Ordering is not
// stable across calls.
func (s *Store) Search(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	resp, err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodPost,
		Path:   "/memories/search",
		Body: wireSearch{
			Query:   q.Text,
			Limit:   q.Limit,
			UserID:  q.UserID,
			Filters: q.Filters,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	wire, err := decodeMemories(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	entries := make([]Entry, 0, len(wire))
	for _, w := range wire {
		entries = append(entries, w.entry())
	}
	return entries, nil
}

// decodeMemories accepts either {"memories": [...]} or a bare array.
func decodeMemories(body []byte) ([]wireMemory, error) {
	var wrapped wireSearchResult
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Memories, nil
	}
	var list []wireMemory
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	return list, nil
}

// Get returns the memory with id, serving from cache when possible.
// A remote hit is cached. Returns [ErrNotFound] on a 404.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	if v, ok := s.entries.Get(id); ok {
		e := v.(Entry)
		return &e, nil
	}

	resp, err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/memories/" + url.PathEscape(id),
	})
	if apiclient.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}

	var w wireMemory
	if err := resp.Decode(&w); err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	if w.ID == "" {
		w.ID = id
	}
	e := w.entry()
	s.cacheEntry(e)
	return &e, nil
}

// Delete removes a memory. The cache entry is evicted before the remote
// call regardless of its outcome. Returns false without error when the
// service reports the ID as unknown.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.entries.Delete(id)
	metrics.MemoryCacheEntries.Set(float64(s.entries.ItemCount()))

	_, err := s.api.Do(ctx, apiclient.Request{
		Method: http.MethodDelete,
		Path:   "/memories/" + url.PathEscape(id),
	})
	if apiclient.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	return true, nil
}

// LearnPattern stores p as a pattern memory and records it in the
// local pattern cache. The latest write for a (user, type) pair wins.
func (s *Store) LearnPattern(ctx context.Context, p Pattern) error {
	if p.Type == "" {
		return fmt.Errorf("learn pattern: pattern type is required")
	}
	if p.LastUpdated.IsZero() {
		p.LastUpdated = s.now()
	}

	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("learn pattern: encode data: %w", err)
	}

	_, err = s.Add(ctx, NewEntry{
		Content:    fmt.Sprintf("User %s %s: %s", p.UserID, p.Type, data),
		Category:   CategoryPattern,
		UserID:     p.UserID,
		Importance: clamp01(p.Confidence),
		Tags:       []string{p.Type, "pattern", "learned"},
		Metadata: map[string]any{
			"pattern_type": p.Type,
			"confidence":   p.Confidence,
			"occurrences":  p.Occurrences,
			"pattern_data": p.Data,
			"last_updated": p.LastUpdated.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("learn pattern: %w", err)
	}

	s.patternsMu.Lock()
	s.patterns[patternKey{p.UserID, p.Type}] = p
	s.patternsMu.Unlock()
	return nil
}

// UserPatterns reconstructs a user's learned patterns from the remote
// service. Entries without pattern metadata are skipped.
func (s *Store) UserPatterns(ctx context.Context, userID, patternType string) ([]Pattern, error) {
	text := strings.TrimSpace(fmt.Sprintf("user %s pattern %s", userID, patternType))
	entries, err := s.Search(ctx, Query{
		Text:    text,
		UserID:  userID,
		Limit:   20,
		Filters: map[string]any{"category": CategoryPattern},
	})
	if err != nil {
		return nil, fmt.Errorf("user patterns: %w", err)
	}

	var out []Pattern
	for _, e := range entries {
		p, ok := patternFromEntry(e)
		if !ok {
			continue
		}
		if patternType != "" && p.Type != patternType {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CachedPatterns returns the locally learned patterns for a user.
func (s *Store) CachedPatterns(userID string) []Pattern {
	s.patternsMu.RLock()
	defer s.patternsMu.RUnlock()
	var out []Pattern
	for k, p := range s.patterns {
		if k.userID == userID {
			out = append(out, p)
		}
	}
	return out
}

// PatternCount is the number of patterns learned this process.
func (s *Store) PatternCount() int {
	s.patternsMu.RLock()
	defer s.patternsMu.RUnlock()
	return len(s.patterns)
}

func patternFromEntry(e Entry) (Pattern, bool) {
	pt, ok := e.Metadata["pattern_type"].(string)
	if !ok || pt == "" {
		return Pattern{}, false
	}
	p := Pattern{
		UserID:      e.UserID,
		Type:        pt,
		Confidence:  toFloat(e.Metadata["confidence"]),
		Occurrences: int(toFloat(e.Metadata["occurrences"])),
		LastUpdated: e.CreatedAt,
	}
	if data, ok := e.Metadata["pattern_data"].(map[string]any); ok {
		p.Data = data
	}
	if ts, ok := e.Metadata["last_updated"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			p.LastUpdated = t
		}
	}
	return p, true
}

// StoreEvent persists a guardian event with importance derived from
// its severity.
func (s *Store) StoreEvent(ctx context.Context, ev alert.Event) error {
	_, err := s.Add(ctx, NewEntry{
		Content:    ev.Kind() + ": " + ev.Description,
		Category:   CategoryEvent,
		UserID:     ev.UserID(),
		Importance: ev.Severity.Importance(),
		Tags:       []string{strings.ToLower(ev.Kind()), "event"},
		Metadata:   ev.Fields(),
	})
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return nil
}

// ContextForQuery gathers up to five relevant memories and, when a user
// is given, that user's three most confident patterns. A partial
// context is returned alongside any error.
func (s *Store) ContextForQuery(ctx context.Context, query, userID string) (QueryContext, error) {
	qc := QueryContext{Query: query, Timestamp: s.now()}

	memories, err := s.Search(ctx, Query{Text: query, UserID: userID, Limit: contextMemories})
	if err != nil {
		return qc, err
	}
	if len(memories) > contextMemories {
		memories = memories[:contextMemories]
	}
	qc.Memories = memories

	if userID == "" {
		return qc, nil
	}
	patterns, err := s.UserPatterns(ctx, userID, "")
	if err != nil {
		return qc, err
	}
	qc.Patterns = TopPatterns(patterns, contextPatterns)
	return qc, nil
}

// TopPatterns returns at most n patterns ordered by descending confidence.
func TopPatterns(patterns []Pattern, n int) []Pattern {
	sorted := make([]Pattern, len(patterns))
	copy(sorted, patterns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// CleanupExpired removes cached entries whose expiry has passed and
// returns how many were removed. Remote expiry is the service's job.
func (s *Store) CleanupExpired() int {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	before := s.entries.ItemCount()
	s.entries.DeleteExpired()
	after := s.entries.ItemCount()
	metrics.MemoryCacheEntries.Set(float64(after))

	if removed := before - after; removed > 0 {
		s.logger.Debug("expired memories removed from cache", "count", removed)
		return removed
	}
	return 0
}

// CacheSize is the number of entries in the local cache.
func (s *Store) CacheSize() int {
	return s.entries.ItemCount()
}

// cacheEntry stores e with a TTL matching its expiry. Already-expired
// entries are not cached.
func (s *Store) cacheEntry(e Entry) {
	ttl := cache.NoExpiration
	if e.ExpiresAt != nil {
		ttl = e.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return
		}
	}
	s.entries.Set(e.ID, e, ttl)
	metrics.MemoryCacheEntries.Set(float64(s.entries.ItemCount()))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
