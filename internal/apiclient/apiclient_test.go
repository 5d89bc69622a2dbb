package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordingSleeper, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	rec := &recordingSleeper{}
	c := New(Config{Name: "test", BaseURL: srv.URL, APIKey: "sk-secret"}, nil, WithSleep(rec.sleep))
	t.Cleanup(c.Close)
	return c, rec, &calls
}

func TestDo_Success(t *testing.T) {
	c, rec, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/memories" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"ok":true}`))
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/memories", Query: map[string][]string{"limit": {"1"}}})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	var out struct{ OK bool }
	if err := resp.Decode(&out); err != nil || !out.OK {
		t.Fatalf("Decode() = %+v, %v", out, err)
	}
	if calls.Load() != 1 || len(rec.delays) != 0 {
		t.Errorf("calls = %d delays = %v, want 1 call and no sleep", calls.Load(), rec.delays)
	}
}

func TestDo_RetryBoundOnServerError(t *testing.T) {
	c, rec, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal details with sk-secret", http.StatusInternalServerError)
	})

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "chat/completions", Body: map[string]string{"a": "b"}})
	if err == nil {
		t.Fatal("expected error")
	}

	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(rec.delays) != len(want) || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}

	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("error %T is not *Error", err)
	}
	if ae.Class != ClassServer || ae.Status != 500 || ae.Attempts != 3 {
		t.Errorf("error = %+v", ae)
	}
	if strings.Contains(err.Error(), "internal details") || strings.Contains(err.Error(), "sk-secret") {
		t.Errorf("error leaks body or credential: %q", err)
	}
	if ae.UserMessage() != "service unavailable" {
		t.Errorf("UserMessage() = %q", ae.UserMessage())
	}
}

func TestDo_RateLimitedThenSuccess(t *testing.T) {
	var n atomic.Int32
	c, rec, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	})

	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls.Load() != 2 || len(rec.delays) != 1 || rec.delays[0] != time.Second {
		t.Errorf("calls = %d delays = %v", calls.Load(), rec.delays)
	}
}

func TestDo_ClientErrorFailsFast(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		c, rec, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
		if class, _ := ClassOf(err); class != ClassClient {
			t.Errorf("status %d: class = %q, want client", status, class)
		}
		if calls.Load() != 1 || len(rec.delays) != 0 {
			t.Errorf("status %d: calls = %d delays = %v, want no retry", status, calls.Load(), rec.delays)
		}
		if IsNotFound(err) != (status == http.StatusNotFound) {
			t.Errorf("status %d: IsNotFound = %v", status, IsNotFound(err))
		}
	}
}

func TestDo_NetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := &recordingSleeper{}
	c := New(Config{Name: "test", BaseURL: url}, nil, WithSleep(rec.sleep))
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})

	if class, _ := ClassOf(err); class != ClassNetwork {
		t.Errorf("class = %q, want network (err %v)", class, err)
	}
	if len(rec.delays) != 2 {
		t.Errorf("delays = %v, want 2 sleeps", rec.delays)
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	rec := &recordingSleeper{}
	c := New(Config{Name: "test", BaseURL: srv.URL, AttemptTimeout: 20 * time.Millisecond, MaxAttempts: 2}, nil, WithSleep(rec.sleep))
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/slow"})

	var ae *Error
	if !errors.As(err, &ae) || ae.Class != ClassTimeout || ae.Attempts != 2 {
		t.Fatalf("err = %v, want timeout after 2 attempts", err)
	}
}

func TestDo_CanceledStopsRetrying(t *testing.T) {
	c, _, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
	if class, _ := ClassOf(err); class != ClassCanceled {
		t.Errorf("class = %q, want canceled", class)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDo_SendsJSONBody(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "door" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"m1"}`))
	})

	resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/memories/search", Body: map[string]string{"query": "door"}})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestBackoff(t *testing.T) {
	c := New(Config{Name: "t"}, nil)
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if got := c.Backoff(i); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, want)
		}
	}
}
