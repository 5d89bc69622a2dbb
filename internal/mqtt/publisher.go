package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/magdala/internal/config"
)

// Status is the guardian state the publisher mirrors into HA.
type Status struct {
	Mode               string
	ActiveModules      []string
	Health             string
	OpenAlerts         int
	MemoryCacheEntries int
	Uptime             time.Duration
}

// StatusSource supplies the current guardian state. main.go adapts the
// agent to it so this package does not import the orchestrator.
type StatusSource interface {
	GuardianStatus() Status
}

// ModeSetter applies a guardian mode received on the command topic.
type ModeSetter func(ctx context.Context, mode string) error

// publishClient is the part of the connection manager the publisher
// writes through.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection, the discovery payloads, and
// the periodic state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	status     StatusSource
	setMode    ModeSetter
	commands   *commandLimiter
	logger     *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publishClient
}

// New creates a Publisher. Nothing connects until [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, setMode ModeSetter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		status:     status,
		setMode:    setMode,
		commands:   newCommandLimiter(commandsPerMinute, time.Minute, logger),
		logger:     logger,
	}
}

// Start connects and runs the state loop until ctx is done.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
			}); err != nil {
				p.logger.Warn("mqtt command subscribe failed", "topic", p.commandTopic(), "error", err)
			}
			p.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "magdala-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.pub = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	go p.commands.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the connwatch probe for the broker.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) baseTopic() string {
	return "magdala/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/mode/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type entityDef struct {
	component string
	suffix    string
	config    EntityConfig
}

func (p *Publisher) entity(component, suffix, name, icon string) entityDef {
	return entityDef{
		component: component,
		suffix:    suffix,
		config: EntityConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) entityDefinitions() []entityDef {
	mode := p.entity("select", "mode", "Guardian Mode", "mdi:shield-home")
	mode.config.CommandTopic = p.commandTopic()
	mode.config.Options = slices.Clone(config.Modes)

	health := p.entity("sensor", "health", "Health", "mdi:heart-pulse")
	health.config.EntityCategory = "diagnostic"

	alerts := p.entity("sensor", "open_alerts", "Open Alerts", "mdi:alert")
	alerts.config.StateClass = "measurement"

	cache := p.entity("sensor", "memory_cache", "Memory Cache Entries", "mdi:database")
	cache.config.StateClass = "measurement"
	cache.config.EntityCategory = "diagnostic"

	uptime := p.entity("sensor", "uptime", "Uptime", "mdi:clock-outline")
	uptime.config.DeviceClass = "duration"
	uptime.config.UnitOfMeasurement = "s"
	uptime.config.EntityCategory = "diagnostic"

	defs := []entityDef{mode, health, alerts, cache, uptime}
	for _, m := range config.Modules {
		d := p.entity("binary_sensor", m+"_guardian", moduleTitle(m)+" Guardian", moduleIcon(m))
		d.config.DeviceClass = "running"
		d.config.PayloadOn = "ON"
		d.config.PayloadOff = "OFF"
		defs = append(defs, d)
	}
	return defs
}

func moduleTitle(m string) string {
	switch m {
	case config.ModuleSecurity:
		return "Security"
	case config.ModuleWellness:
		return "Wellness"
	case config.ModuleEnergy:
		return "Energy"
	}
	return m
}

func moduleIcon(m string) string {
	switch m {
	case config.ModuleSecurity:
		return "mdi:shield-lock"
	case config.ModuleWellness:
		return "mdi:heart"
	case config.ModuleEnergy:
		return "mdi:lightning-bolt"
	}
	return ""
}

func (p *Publisher) publishDiscovery(ctx context.Context, pub publishClient) {
	for _, d := range p.entityDefinitions() {
		topic := p.discoveryTopic(d.component, d.suffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", d.suffix, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", d.suffix, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publishClient, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders s as entity suffix to payload.
func states(s Status) map[string]string {
	out := map[string]string{
		"mode":         s.Mode,
		"health":       s.Health,
		"open_alerts":  strconv.Itoa(s.OpenAlerts),
		"memory_cache": strconv.Itoa(s.MemoryCacheEntries),
		"uptime":       strconv.FormatInt(int64(s.Uptime/time.Second), 10),
	}
	watching := s.Mode == config.ModeActive || s.Mode == config.ModePassive
	for _, m := range config.Modules {
		v := "OFF"
		if watching && slices.Contains(s.ActiveModules, m) {
			v = "ON"
		}
		out[m+"_guardian"] = v
	}
	return out
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.pub == nil || p.status == nil {
		return
	}
	st := states(p.status.GuardianStatus())
	for entity, value := range st {
		if _, err := p.pub.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt states published", "entities", len(st))
}
