package voice

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/nugget/magdala/internal/alert"
	"github.com/nugget/magdala/internal/config"
	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/homeassistant"
)

type ttsCall struct {
	domain, service string
	data            map[string]any
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []ttsCall
	fail  map[string]bool
}

func (f *fakeCaller) CallService(_ context.Context, domain, service string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ttsCall{domain, service, data})
	if f.fail[data["entity_id"].(string)] {
		return errors.New("speaker offline")
	}
	return nil
}

func (f *fakeCaller) speakers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.data["entity_id"].(string))
	}
	sort.Strings(out)
	return out
}

type fakeStates []homeassistant.State

func (f fakeStates) GetStates(context.Context) ([]homeassistant.State, error) { return f, nil }

type fakeRegistry struct {
	entities []homeassistant.EntityRegistryEntry
	devices  []homeassistant.Device
	areas    []homeassistant.Area
}

func (f fakeRegistry) GetEntityRegistry(context.Context) ([]homeassistant.EntityRegistryEntry, error) {
	return f.entities, nil
}

func (f fakeRegistry) GetDeviceRegistry(context.Context) ([]homeassistant.Device, error) {
	return f.devices, nil
}

func (f fakeRegistry) GetAreaRegistry(context.Context) ([]homeassistant.Area, error) {
	return f.areas, nil
}

func player(id string, features float64) homeassistant.State {
	return homeassistant.State{
		EntityID:   id,
		State:      "idle",
		Attributes: map[string]any{"supported_features": features},
	}
}

// house has a living room, a kitchen, and a bedroom speaker plus a
// media player that cannot play TTS.
func house() (fakeStates, fakeRegistry) {
	states := fakeStates{
		player("media_player.living_room", 512|128),
		player("media_player.kitchen", 152461),
		player("media_player.bedroom", 512),
		player("media_player.tv_remote", 128),
		{EntityID: "light.hall", State: "on"},
	}
	reg := fakeRegistry{
		entities: []homeassistant.EntityRegistryEntry{
			{EntityID: "media_player.living_room", DeviceID: "d1"},
			{EntityID: "media_player.kitchen", AreaID: "Kitchen", DeviceID: "d2"},
			{EntityID: "media_player.bedroom", DeviceID: "d3"},
		},
		devices: []homeassistant.Device{
			{ID: "d1", AreaID: "living_room"},
			{ID: "d2", AreaID: "garage"},
			{ID: "d3", AreaID: "bedroom"},
		},
		areas: []homeassistant.Area{
			{AreaID: "living_room", Name: "Living Room", Aliases: []string{"Lounge"}},
			{AreaID: "bedroom", Name: "Main Bedroom"},
		},
	}
	return states, reg
}

func at(hour, minute int) func() time.Time {
	return func() time.Time { return time.Date(2026, 1, 10, hour, minute, 0, 0, time.UTC) }
}

func baseConfig() Config {
	return Config{
		Enabled:          true,
		TTSService:       "tts.piper",
		DefaultLocations: []string{"living_room", "main"},
		Location:         time.UTC,
	}
}

func quietConfig() Config {
	cfg := baseConfig()
	cfg.QuietHours = true
	cfg.QuietStart = config.Clock{Hour: 22}
	cfg.QuietEnd = config.Clock{Hour: 6}
	return cfg
}

func newRouter(t *testing.T, cfg Config, caller *fakeCaller, opts ...Option) *Router {
	t.Helper()
	states, reg := house()
	r := NewRouter(cfg, caller, states, reg, nil, opts...)
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	return r
}

func TestDiscover(t *testing.T) {
	states, reg := house()
	sp, err := Discover(context.Background(), states, reg)
	if err != nil {
		t.Fatalf("Discover() error: %v", err)
	}
	want := []string{"media_player.bedroom", "media_player.kitchen", "media_player.living_room"}
	if !slices.Equal(sp.All, want) {
		t.Errorf("All = %v, want %v", sp.All, want)
	}
	if got := sp.ByArea["kitchen"]; !slices.Equal(got, []string{"media_player.kitchen"}) {
		t.Errorf("entity area should win over device area: kitchen = %v, areas = %v", got, sp.Areas())
	}
	if _, ok := sp.ByArea["garage"]; ok {
		t.Error("device area used despite entity override")
	}
	if got, ok := sp.InArea("Living Room"); !ok || !slices.Equal(got, []string{"media_player.living_room"}) {
		t.Errorf("InArea(Living Room) = %v, %v", got, ok)
	}
	if _, ok := sp.InArea(""); ok {
		t.Error("empty area matched")
	}

	bare, err := Discover(context.Background(), states, nil)
	if err != nil || len(bare.All) != 3 || len(bare.ByArea) != 0 {
		t.Errorf("Discover(nil registry) = %+v, %v", bare, err)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		msg  string
		p    Priority
		want string
	}{
		{"Smoke detected", Critical, "URGENT ALERT! Smoke detected"},
		{"Back door open", High, "Security Notice: Back door open"},
		{"Security system armed", Low, "Security Notice: Security system armed"},
		{"Time for your medication", Medium, "Wellness Reminder: Time for your medication"},
		{"Health check due", Low, "Wellness Reminder: Health check due"},
		{"Power usage is high", Medium, "Energy Update: Power usage is high"},
		{"Energy and security report", Low, "Security Notice: Energy and security report"},
		{"Dinner is ready", Low, "Dinner is ready"},
	}
	for _, tt := range tests {
		if got := Format(tt.msg, tt.p); got != tt.want {
			t.Errorf("Format(%q, %s) = %q, want %q", tt.msg, tt.p, got, tt.want)
		}
	}
}

func TestAnnounce_Targeting(t *testing.T) {
	tests := []struct {
		name     string
		location string
		priority Priority
		want     []string
	}{
		{"critical reaches all", "kitchen", Critical, []string{"media_player.bedroom", "media_player.kitchen", "media_player.living_room"}},
		{"high reaches all", "", High, []string{"media_player.bedroom", "media_player.kitchen", "media_player.living_room"}},
		{"explicit all", "all", Low, []string{"media_player.bedroom", "media_player.kitchen", "media_player.living_room"}},
		{"known area", "Bedroom", Medium, []string{"media_player.bedroom"}},
		{"area by name", "Main Bedroom", Medium, []string{"media_player.bedroom"}},
		{"area by alias", "lounge", Low, []string{"media_player.living_room"}},
		{"unknown area falls back to default", "attic", Low, []string{"media_player.living_room"}},
		{"no location uses default", "", Low, []string{"media_player.living_room"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{}
			r := newRouter(t, baseConfig(), caller, WithClock(at(12, 0)))
			res := r.Announce(context.Background(), Announcement{Message: "hello", Priority: tt.priority, Location: tt.location})
			if !res.Delivered() {
				t.Fatalf("status = %s", res.Status)
			}
			if got := caller.speakers(); !slices.Equal(got, tt.want) {
				t.Errorf("speakers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnnounce_FallbackToFirstSpeaker(t *testing.T) {
	caller := &fakeCaller{}
	cfg := baseConfig()
	cfg.DefaultLocations = []string{"main"}
	r := newRouter(t, cfg, caller, WithClock(at(12, 0)))

	r.Announce(context.Background(), Announcement{Message: "hi"})
	if got := caller.speakers(); !slices.Equal(got, []string{"media_player.bedroom"}) {
		t.Errorf("speakers = %v, want first speaker only", got)
	}
}

func TestAnnounce_NoSpeakers(t *testing.T) {
	r := NewRouter(baseConfig(), &fakeCaller{}, fakeStates{}, nil, nil)
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if res := r.Announce(context.Background(), Announcement{Message: "hi", Priority: Critical}); res.Status != StatusNoSpeakers {
		t.Errorf("status = %s, want no_speakers", res.Status)
	}
}

func TestAnnounce_Disabled(t *testing.T) {
	caller := &fakeCaller{}
	cfg := baseConfig()
	cfg.Enabled = false
	r := newRouter(t, cfg, caller)

	res := r.Announce(context.Background(), Announcement{Message: "hi", Priority: Critical})
	if res.Status != StatusDisabled || res.Delivered() {
		t.Errorf("result = %+v", res)
	}
	if len(caller.speakers()) != 0 {
		t.Error("disabled router dispatched")
	}
}

func TestAnnounce_QuietHours(t *testing.T) {
	caller := &fakeCaller{}
	r := newRouter(t, quietConfig(), caller, WithClock(at(23, 0)))

	if res := r.Announce(context.Background(), Announcement{Message: "test", Priority: Low}); res.Status != StatusQuietHours {
		t.Errorf("low during quiet hours: status = %s", res.Status)
	}
	if n := len(caller.speakers()); n != 0 {
		t.Errorf("quiet hours dispatched %d calls", n)
	}

	if res := r.Announce(context.Background(), Announcement{Message: "test", Priority: Critical}); !res.Delivered() {
		t.Errorf("critical during quiet hours: status = %s", res.Status)
	}
}

func TestInQuietHours_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		start := rapid.IntRange(0, 1439).Draw(rt, "start")
		end := rapid.IntRange(0, 1439).Draw(rt, "end")
		now := rapid.IntRange(0, 1439).Draw(rt, "now")

		cfg := Config{
			QuietHours: true,
			QuietStart: config.Clock{Hour: start / 60, Minute: start % 60},
			QuietEnd:   config.Clock{Hour: end / 60, Minute: end % 60},
			Location:   time.UTC,
		}
		got := cfg.inQuietHours(time.Date(2026, 1, 1, now/60, now%60, 0, 0, time.UTC))

		var want bool
		if start <= end {
			want = start <= now && now <= end
		} else {
			want = now >= start || now <= end
		}
		if got != want {
			rt.Fatalf("window %d-%d at %d: got %v want %v", start, end, now, got, want)
		}
		if now == start && !got {
			rt.Fatalf("start minute %d not quiet", start)
		}
	})
}

func TestAnnounce_PartialFailure(t *testing.T) {
	caller := &fakeCaller{fail: map[string]bool{"media_player.kitchen": true}}
	r := newRouter(t, baseConfig(), caller, WithClock(at(12, 0)))

	res := r.Announce(context.Background(), Announcement{Message: "x", Priority: Critical, RepeatCount: 2})
	if !res.Delivered() {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Succeeded != 4 || res.Failed != 2 {
		t.Errorf("succeeded=%d failed=%d, want 4/2", res.Succeeded, res.Failed)
	}
}

func TestAnnounce_AllFail(t *testing.T) {
	caller := &fakeCaller{fail: map[string]bool{"media_player.living_room": true}}
	r := newRouter(t, baseConfig(), caller, WithClock(at(12, 0)))

	res := r.Announce(context.Background(), Announcement{Message: "x"})
	if res.Status != StatusFailed || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestAnnounce_PayloadAndDelay(t *testing.T) {
	caller := &fakeCaller{}
	var slept time.Duration
	r := newRouter(t, baseConfig(), caller, WithClock(at(12, 0)),
		WithSleep(func(_ context.Context, d time.Duration) error { slept = d; return nil }))

	r.Announce(context.Background(), Announcement{Message: "Fire", Priority: Critical, Location: "all", Delay: 3 * time.Second})
	if slept != 3*time.Second {
		t.Errorf("slept %v, want 3s", slept)
	}
	c := caller.calls[0]
	if c.domain != "tts" || c.service != "piper" {
		t.Errorf("service = %s.%s", c.domain, c.service)
	}
	if c.data["message"] != "URGENT ALERT! Fire" {
		t.Errorf("message = %v", c.data["message"])
	}
	opts := c.data["options"].(map[string]any)
	if opts["voice"] != "emergency" || opts["speed"] != 0.9 || opts["volume"] != 1.0 {
		t.Errorf("options = %v", opts)
	}
}

func TestAnnounce_DelayCanceled(t *testing.T) {
	caller := &fakeCaller{}
	r := newRouter(t, baseConfig(), caller, WithClock(at(12, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Announce(ctx, Announcement{Message: "x", Delay: time.Hour})
	if res.Status != StatusFailed || len(caller.speakers()) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestAnnounce_PublishesEvent(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	r := newRouter(t, quietConfig(), &fakeCaller{}, WithClock(at(2, 0)), WithBus(bus))
	r.Announce(context.Background(), Announcement{Message: "x"})

	select {
	case e := <-ch:
		if e.Kind != events.KindAnnouncement || e.Data["status"] != "quiet_hours" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("no announcement event published")
	}
}

func TestHelpers(t *testing.T) {
	caller := &fakeCaller{}
	r := newRouter(t, baseConfig(), caller, WithClock(at(7, 0)))
	ctx := context.Background()

	ev := alert.New(alert.ModuleSecurity, "door_opened", alert.Medium, time.Now(), "Front door opened")
	ev.Location = "bedroom"
	r.AnnounceAlert(ctx, ev)

	r.MorningBriefing(ctx, Briefing{Weather: "Sunny", Energy: "Normal"})
	r.ConfirmAction(ctx, "lock the doors", false)

	caller.mu.Lock()
	defer caller.mu.Unlock()
	msgs := map[string]bool{}
	for _, c := range caller.calls {
		msgs[c.data["message"].(string)] = true
	}
	for _, want := range []string{
		"Front door opened. Location: bedroom.",
		"Energy Update: Good morning! Here's your briefing. Weather: Sunny Energy: Normal",
		"I apologize, but I encountered an issue while attempting to lock the doors.",
	} {
		if !msgs[want] {
			t.Errorf("missing message %q in %v", want, msgs)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(""); err != nil || p != Low {
		t.Errorf("ParsePriority(\"\") = %q, %v", p, err)
	}
	if p, err := ParsePriority("HIGH"); err != nil || p != High {
		t.Errorf("ParsePriority(HIGH) = %q, %v", p, err)
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("ParsePriority(urgent) accepted")
	}
}

func TestInitialize_BadService(t *testing.T) {
	cfg := baseConfig()
	cfg.TTSService = "piper"
	r := NewRouter(cfg, &fakeCaller{}, fakeStates{}, nil, nil)
	if err := r.Initialize(context.Background()); err == nil {
		t.Error("Initialize() accepted a service without a domain")
	}
}
