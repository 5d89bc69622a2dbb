// Package config handles Magdala configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Guardian modes.
const (
	ModeActive  = "active"
	ModePassive = "passive"
	ModeSleep   = "sleep"
)

// Guardian module names.
const (
	ModuleSecurity = "security"
	ModuleWellness = "wellness"
	ModuleEnergy   = "energy"
)

// Modes lists every legal guardian mode.
var Modes = []string{ModeActive, ModePassive, ModeSleep}

// Modules lists every legal guardian module name in routing order.
var Modules = []string{ModuleSecurity, ModuleWellness, ModuleEnergy}

// ValidMode reports whether m is a legal guardian mode.
func ValidMode(m string) bool {
	return slices.Contains(Modes, m)
}

// ValidModule reports whether m is a legal guardian module name.
func ValidModule(m string) bool {
	return slices.Contains(Modules, m)
}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/magdala/config.yaml, /etc/magdala/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "magdala", "config.yaml"))
	}

	paths = append(paths, "/etc/magdala/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Magdala configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	LLM           LLMConfig           `yaml:"llm"`
	Memory        MemoryConfig        `yaml:"memory"`
	Guardian      GuardianConfig      `yaml:"guardian"`
	MQTT          MQTTConfig          `yaml:"mqtt"`

	// DataDir holds the persistent MQTT instance ID. Nothing else is
	// written locally; the memory service is the system of record.
	DataDir string `yaml:"data_dir"`

	// Timezone is an IANA zone name used for quiet hours and the
	// security guardian's normal-hours window. Empty means the host zone.
	Timezone string `yaml:"timezone"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ListenConfig defines the command API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// ForwardEvents fires magdala_* events on the HA event bus in
	// addition to the in-process bus. Default true.
	ForwardEvents *bool `yaml:"forward_events"`

	// InsecureSkipVerify disables TLS certificate checks on both the
	// REST and WebSocket connections.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Entities restricts the state watcher to entity IDs matching these
	// globs (path.Match syntax). Empty watches everything.
	Entities []string `yaml:"entities"`
}

// Configured reports whether Home Assistant connection details are present.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// ForwardEnabled reports whether events should be mirrored to HA.
func (c HomeAssistantConfig) ForwardEnabled() bool {
	return c.ForwardEvents == nil || *c.ForwardEvents
}

// LLMConfig defines the chat-completions backend.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// MemoryConfig defines the remote memory service.
type MemoryConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// WarmLimit is how many pattern/preference/routine memories are
	// loaded into the local cache at startup. Zero disables warming.
	WarmLimit int `yaml:"warm_limit"`
}

// GuardianConfig is the household guardian policy.
type GuardianConfig struct {
	Mode               string   `yaml:"mode"`
	EnabledModules     []string `yaml:"enabled_modules"`
	VoiceAnnouncements *bool    `yaml:"voice_announcements"`
	TTSService         string   `yaml:"tts_service"`
	DefaultLocations   []string `yaml:"default_locations"`

	// QuietHoursStart and QuietHoursEnd are "HH:MM" local times. Both
	// empty disables quiet hours. The window may wrap past midnight.
	QuietHoursStart string `yaml:"quiet_hours_start"`
	QuietHoursEnd   string `yaml:"quiet_hours_end"`

	// AlertThresholds feeds the wellness and energy threshold policies
	// ("<module>.<attribute>.min" / ".max") and the security door-open
	// timer ("door_open_minutes").
	AlertThresholds   map[string]float64 `yaml:"alert_thresholds"`
	EmergencyContacts []string           `yaml:"emergency_contacts"`

	CheckIntervalSec int `yaml:"check_interval_sec"`

	// HistoryExchanges bounds how many prior question/answer pairs are
	// sent to the LLM with each ask.
	HistoryExchanges int `yaml:"history_exchanges"`

	// ConversationTTLMin evicts idle conversations. Zero keeps them for
	// the life of the process.
	ConversationTTLMin int `yaml:"conversation_ttl_min"`

	// RateLimitPerMinute caps state changes processed per entity.
	// Zero disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// VoiceEnabled reports whether spoken announcements are on.
func (g GuardianConfig) VoiceEnabled() bool {
	return g.VoiceAnnouncements == nil || *g.VoiceAnnouncements
}

// QuietHours parses the quiet-hours window. ok is false when no window
// is configured.
func (g GuardianConfig) QuietHours() (start, end Clock, ok bool, err error) {
	if g.QuietHoursStart == "" && g.QuietHoursEnd == "" {
		return Clock{}, Clock{}, false, nil
	}
	if start, err = ParseClock(g.QuietHoursStart); err != nil {
		return Clock{}, Clock{}, false, fmt.Errorf("quiet_hours_start: %w", err)
	}
	if end, err = ParseClock(g.QuietHoursEnd); err != nil {
		return Clock{}, Clock{}, false, fmt.Errorf("quiet_hours_end: %w", err)
	}
	return start, end, true, nil
}

// CheckInterval returns the periodic maintenance interval.
func (g GuardianConfig) CheckInterval() time.Duration {
	return time.Duration(g.CheckIntervalSec) * time.Second
}

// ConversationTTL returns the idle eviction age, or zero for none.
func (g GuardianConfig) ConversationTTL() time.Duration {
	return time.Duration(g.ConversationTTLMin) * time.Minute
}

// MQTTConfig defines the optional MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Clock is a wall-clock time of day with minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every optional field at its
// default. Credentials are left empty.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "google/gemini-flash-1.5"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1000
	}
	if c.Memory.BaseURL == "" {
		c.Memory.BaseURL = "https://api.mem0.ai/v1"
	}
	if c.Memory.WarmLimit == 0 {
		c.Memory.WarmLimit = 50
	}

	g := &c.Guardian
	if g.Mode == "" {
		g.Mode = ModeActive
	}
	if g.EnabledModules == nil {
		g.EnabledModules = slices.Clone(Modules)
	}
	if g.TTSService == "" {
		g.TTSService = "tts.piper"
	}
	if len(g.DefaultLocations) == 0 {
		g.DefaultLocations = []string{"living_room", "main"}
	}
	if g.CheckIntervalSec == 0 {
		g.CheckIntervalSec = 300
	}
	if g.HistoryExchanges == 0 {
		g.HistoryExchanges = 10
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "magdala"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// Validate rejects configurations that cannot be run. Required fields
// are never silently defaulted. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required"))
	}
	if c.Memory.APIKey == "" {
		errs = append(errs, errors.New("memory.api_key is required"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %v out of range [0, 2]", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if (c.HomeAssistant.URL == "") != (c.HomeAssistant.Token == "") {
		errs = append(errs, errors.New("homeassistant.url and homeassistant.token must be set together"))
	}
	for _, pat := range c.HomeAssistant.Entities {
		if _, err := path.Match(pat, ""); err != nil {
			errs = append(errs, fmt.Errorf("homeassistant.entities: bad pattern %q: %w", pat, err))
		}
	}

	g := c.Guardian
	if !ValidMode(g.Mode) {
		errs = append(errs, fmt.Errorf("guardian.mode %q invalid (valid: %s)", g.Mode, strings.Join(Modes, ", ")))
	}
	for _, m := range g.EnabledModules {
		if !ValidModule(m) {
			errs = append(errs, fmt.Errorf("guardian.enabled_modules: unknown module %q", m))
		}
	}
	if !strings.Contains(g.TTSService, ".") {
		errs = append(errs, fmt.Errorf("guardian.tts_service %q must be domain.service", g.TTSService))
	}
	if (g.QuietHoursStart == "") != (g.QuietHoursEnd == "") {
		errs = append(errs, errors.New("guardian.quiet_hours_start and quiet_hours_end must be set together"))
	} else if _, _, _, err := g.QuietHours(); err != nil {
		errs = append(errs, fmt.Errorf("guardian.%w", err))
	}
	if g.CheckIntervalSec < 0 || g.HistoryExchanges < 0 || g.ConversationTTLMin < 0 || g.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("guardian intervals and limits must not be negative"))
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Location returns the configured time zone, falling back to the host zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
