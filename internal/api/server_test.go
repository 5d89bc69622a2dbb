package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/magdala/internal/agent"
	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/connwatch"
	"github.com/nugget/magdala/internal/llm"
	"github.com/nugget/magdala/internal/voice"
)

type fakeGuardian struct {
	mu          sync.Mutex
	asks        []agent.AskRequest
	modes       []string
	modules     [][]string
	announced   []voice.Announcement
	patterns    []agent.PatternRequest
	patternErr  error
	emergencies []string
	status      agent.Status
	history     map[string][]llm.Message
}

func (f *fakeGuardian) Ask(_ context.Context, req agent.AskRequest) agent.AskResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asks = append(f.asks, req)
	id := req.ConversationID
	if id == "" {
		id = "generated"
	}
	return agent.AskResponse{Response: "The front door is locked.", ConversationID: id}
}

func (f *fakeGuardian) History(id string) []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[id]
}

func (f *fakeGuardian) SetGuardianMode(_ context.Context, mode string, modules []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	f.modules = append(f.modules, modules)
	f.status.Mode = mode
	if modules != nil {
		f.status.ActiveModules = modules
	}
	return nil
}

func (f *fakeGuardian) Announce(_ context.Context, a voice.Announcement) voice.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, a)
	return voice.Result{Status: voice.StatusDelivered, Targets: []string{"media_player.kitchen"}, Succeeded: 1}
}

func (f *fakeGuardian) LearnPattern(_ context.Context, req agent.PatternRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, req)
	return f.patternErr
}

func (f *fakeGuardian) HandleEmergency(_ context.Context, typ string, details map[string]any) alert.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencies = append(f.emergencies, typ)
	ev := alert.New(alert.ModuleEmergency, typ, alert.Critical, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), "Emergency: "+typ)
	if loc, ok := details["location"].(string); ok {
		ev.Location = loc
	}
	return ev
}

func (f *fakeGuardian) Status() agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeGuardian) OpenAlerts() []alert.Event { return nil }

// with runs fn under the fake's lock.
func (f *fakeGuardian) with(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

type fakeBriefer struct {
	mu  sync.Mutex
	got voice.Briefing
}

func (b *fakeBriefer) briefing() voice.Briefing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.got
}

func (b *fakeBriefer) MorningBriefing(_ context.Context, br voice.Briefing) voice.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = br
	return voice.Result{Status: voice.StatusDelivered}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeGuardian) {
	t.Helper()
	g := &fakeGuardian{
		status: agent.Status{
			Mode:          config.ModePassive,
			ActiveModules: []string{config.ModuleSecurity},
			Health:        agent.HealthHealthy,
			Uptime:        95 * time.Second,
		},
		history: map[string][]llm.Message{
			"conv-1": {{Role: llm.RoleUser, Content: "hi"}, {Role: llm.RoleAssistant, Content: "hello"}},
		},
	}
	s := NewServer("127.0.0.1", 0, g, nil)
	s.SetServiceStatus(func() []connwatch.ServiceStatus {
		return []connwatch.ServiceStatus{{Name: "homeassistant", Ready: true}}
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, g
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, raw)
		}
	}
	return resp.StatusCode, out
}

func TestAsk(t *testing.T) {
	ts, g := newTestServer(t)

	code, body := do(t, ts, "POST", "/v1/ask", `{"prompt":"is the front door locked?","conversation_id":"c1","user_id":"alex"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["response"] != "The front door is locked." || body["conversation_id"] != "c1" {
		t.Errorf("body = %v", body)
	}
	g.with(func() {
		if len(g.asks) != 1 || g.asks[0].UserID != "alex" {
			t.Errorf("asks = %+v", g.asks)
		}
	})

	for _, bad := range []string{`{"prompt":"  "}`, `{}`, `not json`, `{"prompt":"x","extra":1}`} {
		if code, _ := do(t, ts, "POST", "/v1/ask", bad); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", bad, code)
		}
	}
}

func TestConversation(t *testing.T) {
	ts, _ := newTestServer(t)

	code, body := do(t, ts, "GET", "/v1/conversations/conv-1", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v", body["messages"])
	}
	if code, _ := do(t, ts, "GET", "/v1/conversations/missing", ""); code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", code)
	}
}

func TestMode(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"mode only", `{"mode":"sleep"}`, http.StatusOK},
		{"with modules", `{"mode":"active","modules":["security","energy"]}`, http.StatusOK},
		{"invalid mode", `{"mode":"vacation"}`, http.StatusBadRequest},
		{"missing mode", `{}`, http.StatusBadRequest},
		{"unknown module", `{"mode":"active","modules":["garden"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, g := newTestServer(t)
			code, body := do(t, ts, "POST", "/v1/mode", tt.body)
			if code != tt.code {
				t.Fatalf("status = %d, want %d (%v)", code, tt.code, body)
			}
			g.with(func() {
				switch {
				case tt.code != http.StatusOK && len(g.modes) != 0:
					t.Errorf("mode changed on rejected request: %v", g.modes)
				case tt.code == http.StatusOK && (len(g.modes) != 1 || body["mode"] != g.modes[0]):
					t.Errorf("modes = %v, body = %v", g.modes, body)
				}
			})
		})
	}
}

func TestAnnounce(t *testing.T) {
	ts, g := newTestServer(t)

	code, body := do(t, ts, "POST", "/v1/announce", `{"message":"Dinner is ready","priority":"medium","location":"kitchen","repeat_count":2,"delay_seconds":3}`)
	if code != http.StatusOK || body["status"] != "delivered" {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	var a voice.Announcement
	g.with(func() { a = g.announced[0] })
	if a.Priority != voice.Medium || a.Location != "kitchen" || a.RepeatCount != 2 || a.Delay != 3*time.Second {
		t.Errorf("announcement = %+v", a)
	}

	code, _ = do(t, ts, "POST", "/v1/announce", `{"message":"hi"}`)
	g.with(func() { a = g.announced[1] })
	if code != http.StatusOK || a.Priority != voice.Low {
		t.Errorf("default priority = %q (status %d)", a.Priority, code)
	}

	for _, bad := range []string{
		`{"message":""}`,
		`{"message":"x","priority":"urgent"}`,
		`{"message":"x","repeat_count":9}`,
		`{"message":"x","delay_seconds":-1}`,
	} {
		if code, _ := do(t, ts, "POST", "/v1/announce", bad); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", bad, code)
		}
	}
}

func TestBriefing(t *testing.T) {
	ts, _ := newTestServer(t)
	if code, _ := do(t, ts, "POST", "/v1/briefing", `{}`); code != http.StatusServiceUnavailable {
		t.Errorf("without briefer status = %d, want 503", code)
	}

	g := &fakeGuardian{}
	b := &fakeBriefer{}
	s := NewServer("", 0, g, nil)
	s.SetBriefer(b)
	ts2 := httptest.NewServer(s.Handler())
	defer ts2.Close()

	code, _ := do(t, ts2, "POST", "/v1/briefing", `{"weather":"Sunny","security_status":"All doors locked"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got := b.briefing(); got.Weather != "Sunny" || got.Security != "All doors locked" {
		t.Errorf("briefing = %+v", got)
	}
}

func TestPatterns(t *testing.T) {
	ts, g := newTestServer(t)

	code, body := do(t, ts, "POST", "/v1/patterns", `{"pattern_type":"motion","pattern_data":{"location":"Hallway","start_hour":1,"end_hour":3}}`)
	if code != http.StatusOK || body["stored"] != true {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	g.with(func() {
		if g.patterns[0].Data["location"] != "Hallway" {
			t.Errorf("pattern = %+v", g.patterns[0])
		}
	})

	for _, bad := range []string{
		`{"pattern_data":{}}`,
		`{"pattern_type":"motion"}`,
		`{"pattern_type":"motion","pattern_data":{},"confidence":1.5}`,
	} {
		if code, _ := do(t, ts, "POST", "/v1/patterns", bad); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", bad, code)
		}
	}

	g.with(func() { g.patternErr = fmt.Errorf("learn pattern motion: %w", agent.ErrUnavailable) })
	if code, _ := do(t, ts, "POST", "/v1/patterns", `{"pattern_type":"motion","pattern_data":{}}`); code != http.StatusServiceUnavailable {
		t.Errorf("memory down status = %d, want 503", code)
	}
	g.with(func() { g.patternErr = errors.New("upstream 500") })
	if code, _ := do(t, ts, "POST", "/v1/patterns", `{"pattern_type":"motion","pattern_data":{}}`); code != http.StatusBadGateway {
		t.Errorf("upstream failure status = %d, want 502", code)
	}
}

func TestEmergency(t *testing.T) {
	ts, g := newTestServer(t)

	code, body := do(t, ts, "POST", "/v1/emergency", `{"type":"intrusion","details":{"location":"garage"}}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["severity"] != "critical" || body["location"] != "garage" {
		t.Errorf("event = %v", body)
	}
	g.with(func() {
		if len(g.emergencies) != 1 {
			t.Errorf("emergencies = %v", g.emergencies)
		}
	})
	if code, _ := do(t, ts, "POST", "/v1/emergency", `{"details":{}}`); code != http.StatusBadRequest {
		t.Errorf("missing type status = %d, want 400", code)
	}
}

func TestStatusAndHealth(t *testing.T) {
	ts, g := newTestServer(t)

	code, body := do(t, ts, "GET", "/v1/status", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["mode"] != "passive" || body["health"] != "healthy" || body["uptime_seconds"] != float64(95) {
		t.Errorf("status body = %v", body)
	}
	if svcs, _ := body["services"].([]any); len(svcs) != 1 {
		t.Errorf("services = %v", body["services"])
	}

	if code, body := do(t, ts, "GET", "/health", ""); code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", code, body)
	}
	g.with(func() { g.status.Health = agent.HealthOffline })
	if code, _ := do(t, ts, "GET", "/health", ""); code != http.StatusServiceUnavailable {
		t.Errorf("offline health = %d, want 503", code)
	}
}

func TestVersionMetricsRoot(t *testing.T) {
	ts, _ := newTestServer(t)

	if code, body := do(t, ts, "GET", "/v1/version", ""); code != http.StatusOK || body["version"] == nil {
		t.Errorf("version = %d %v", code, body)
	}
	if code, body := do(t, ts, "GET", "/", ""); code != http.StatusOK || body["name"] != "Magdala" {
		t.Errorf("root = %d %v", code, body)
	}
	if code, _ := do(t, ts, "GET", "/metrics", ""); code != http.StatusOK {
		t.Errorf("metrics = %d", code)
	}
	if code, _ := do(t, ts, "GET", "/nope", ""); code != http.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", code)
	}
	if code, _ := do(t, ts, "GET", "/v1/ask", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/ask = %d, want 405", code)
	}
}
