package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_FireEventAndCallService(t *testing.T) {
	type call struct {
		path string
		body map[string]any
	}
	var calls []call
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, call{r.URL.Path, body})
		w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", nil)
	ctx := context.Background()

	if err := c.FireEvent(ctx, "magdala_alert", map[string]any{"severity": "high"}); err != nil {
		t.Fatalf("FireEvent() error: %v", err)
	}
	if err := c.CallService(ctx, "tts", "piper", map[string]any{"entity_id": "media_player.kitchen"}); err != nil {
		t.Fatalf("CallService() error: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].path != "/api/events/magdala_alert" || calls[0].body["severity"] != "high" {
		t.Errorf("fire call = %+v", calls[0])
	}
	if calls[1].path != "/api/services/tts/piper" || calls[1].body["entity_id"] != "media_player.kitchen" {
		t.Errorf("service call = %+v", calls[1])
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "401: Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "bad", nil).Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Ping() error = %v, want 401", err)
	}
}

func TestClient_GetStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"entity_id":"media_player.kitchen","state":"idle","attributes":{"friendly_name":"Kitchen","supported_features":152461}},
			{"entity_id":"light.hall","state":"on","attributes":{}}
		]`))
	}))
	defer srv.Close()

	states, err := NewClient(srv.URL, "tok", nil).GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates() error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("states = %d", len(states))
	}
	mp := states[0]
	if mp.Domain() != "media_player" || mp.FriendlyName() != "Kitchen" || mp.SupportedFeatures() != 152461 {
		t.Errorf("media player = %q %q %d", mp.Domain(), mp.FriendlyName(), mp.SupportedFeatures())
	}
	if states[1].FriendlyName() != "light.hall" || states[1].SupportedFeatures() != 0 {
		t.Errorf("light = %q %d", states[1].FriendlyName(), states[1].SupportedFeatures())
	}
}

func TestClient_IsReady(t *testing.T) {
	c := NewClient("http://ha.local", "tok", nil)
	if !c.IsReady() {
		t.Error("IsReady() without watcher = false")
	}
	c.SetWatcher(notReady{})
	if c.IsReady() {
		t.Error("IsReady() with unready watcher = true")
	}
}

type notReady struct{}

func (notReady) IsReady() bool { return false }
