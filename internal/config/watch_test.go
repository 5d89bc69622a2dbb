package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got := make(chan *Config, 8)
	w := NewWatcher(path, func(c *Config) { got <- c }, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run = %v", err)
		}
	}()

	// An invalid edit is never delivered.
	invalid := []byte("llm: [unterminated\n")
	for range 5 {
		if err := os.WriteFile(path, invalid, 0600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(40 * time.Millisecond)
	}
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c)
	default:
	}

	// Rewrite until the watcher has seen a valid change; the first
	// writes may land before the watch is registered.
	valid := []byte(minimalYAML + "guardian:\n  mode: sleep\n")
	deadline := time.After(5 * time.Second)
	for {
		if err := os.WriteFile(path, valid, 0600); err != nil {
			t.Fatal(err)
		}
		select {
		case c := <-got:
			if c.Guardian.Mode != ModeSleep {
				t.Errorf("reloaded mode = %q, want sleep", c.Guardian.Mode)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("config change never delivered")
		}
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher("/nonexistent/magdala/config.yaml", nil, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Error("Run on a missing directory should fail")
	}
}
