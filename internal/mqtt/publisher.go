package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/usage"
)

// StatsSource provides the values behind the published sensors. The
// concrete adapter is wired in main.go so this package stays free of
// the agent and the HTTP server.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Model() string
	// TokensToday is input plus output tokens across all users.
	TokensToday(ctx context.Context) int64
	CostTodayUSD(ctx context.Context) float64
	QueueDepth() int
}

// publisher is the slice of *autopaho.ConnectionManager the publisher
// writes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the broker connection, announces sensors on
// (re-)connect and pushes their state on a fixed interval. It also
// delivers the daily cost alert.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger

	mu  sync.Mutex // guards cm and pub, set once Start connects
	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
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
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "suvfin-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.pub = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// ends. It fails immediately when Start has not run yet.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pub
}

// CostAlert implements usage.AlertSink. The alert is also logged, so
// it is never lost while the broker is unreachable.
func (p *Publisher) CostAlert(ctx context.Context, a usage.Alert) error {
	_ = usage.LogAlertSink{Logger: p.logger}.CostAlert(ctx, a)

	pub := p.conn()
	if pub == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal cost alert: %w", err)
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.alertTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish cost alert: %w", err)
	}
	p.logger.Info("mqtt cost alert published", "topic", p.alertTopic(), "cost_usd", a.CostUSD)
	return nil
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "suvfin/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) alertTopic() string {
	return p.baseTopic() + "/alerts/cost"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              p.device.Name + " " + name,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	model := p.sensor("model", "Model", "mdi:brain")
	model.EntityCategory = "diagnostic"

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.StateClass = "total_increasing"
	tokens.UnitOfMeasurement = "tokens"

	cost := p.sensor("cost_today", "LLM Cost Today", "mdi:currency-usd")
	cost.StateClass = "total_increasing"
	cost.UnitOfMeasurement = "USD"

	queue := p.sensor("queue_depth", "Webhook Queue", "mdi:tray-full")
	queue.StateClass = "measurement"
	queue.UnitOfMeasurement = "messages"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"model", model},
		{"tokens_today", tokens},
		{"cost_today", cost},
		{"queue_depth", queue},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, pub publisher) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt discovery published")
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publisher, status string) {
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

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders the current sensor values.
func (p *Publisher) states(ctx context.Context) map[string]string {
	return map[string]string{
		"uptime":       p.stats.Uptime().Truncate(time.Second).String(),
		"version":      p.stats.Version(),
		"model":        p.stats.Model(),
		"tokens_today": strconv.FormatInt(p.stats.TokensToday(ctx), 10),
		"cost_today":   strconv.FormatFloat(p.stats.CostTodayUSD(ctx), 'f', 4, 64),
		"queue_depth":  strconv.Itoa(p.stats.QueueDepth()),
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	pub := p.conn()
	if pub == nil {
		return
	}
	states := p.states(ctx)
	for entity, value := range states {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
