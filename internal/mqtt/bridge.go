//go:build !no_mqtt

// Package mqtt bridges the fan to an MQTT broker with Home Assistant
// discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"vocleair/internal/discovery"
	"vocleair/internal/speed"
)

const commandTimeout = 10 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// NodeID names the HA device; entities are published under
	// vocleair_<NodeID> (default "fan").
	NodeID  string
	Version string
}

// client is the subset of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// fanState is the JSON document published on the state topic.
type fanState struct {
	State      string `json:"state"`
	Percentage int    `json:"percentage"`
	Raw        int    `json:"raw"`
	Preset     string `json:"preset"`
	Status     string `json:"status"`
}

// Bridge publishes fan state to MQTT and applies commands from Home Assistant.
type Bridge struct {
	client client
	coord  *discovery.Coordinator
	cfg    Config
	topics topics
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *discovery.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("vocleair-"+uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.availability, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *discovery.Coordinator, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "vocleair"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "fan"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		coord:  coord,
		cfg:    cfg,
		topics: newTopics(cfg.TopicPrefix),
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.cfg.TopicPrefix, "node_id", b.cfg.NodeID)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs on every (re)connect: retained messages may have been lost
// with the broker.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, msg := range buildDiscovery(b.cfg.NodeID, b.topics, b.cfg.Version) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.subscribeCommands()
	b.publishState()
}

func (b *Bridge) handleEvent(event discovery.Event) {
	switch event.Type {
	case discovery.EventSpeedChanged, discovery.EventStatusChanged:
		b.publishState()
	}
}

func (b *Bridge) currentState() fanState {
	fs := b.coord.Fan()
	st := fanState{
		State:      "OFF",
		Percentage: fs.Percentage,
		Raw:        fs.Raw,
		Status:     b.coord.Status().String(),
	}
	if fs.On {
		st.State = "ON"
		if p, ok := speed.PresetFor(fs.Percentage); ok {
			st.Preset = string(p)
		}
	}
	return st
}

func (b *Bridge) publishState() {
	b.publish(b.topics.state, mustJSON(b.currentState()), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topics.availability, []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	handlers := map[string]func(string){
		b.topics.command:    b.handlePower,
		b.topics.percentage: b.handlePercentage,
		b.topics.preset:     b.handlePreset,
	}
	for topic, h := range handlers {
		h := h
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			h(strings.TrimSpace(string(msg.Payload())))
		})
	}
}

func (b *Bridge) handlePower(payload string) {
	b.command("power", func(ctx context.Context) error {
		switch strings.ToUpper(payload) {
		case "ON":
			return b.coord.TurnOn(ctx)
		case "OFF":
			return b.coord.TurnOff(ctx)
		case "TOGGLE":
			return b.coord.Toggle(ctx)
		default:
			return fmt.Errorf("unknown power payload %q", payload)
		}
	})
}

// handlePercentage applies a percentage from HA. HA sends 0 to turn the fan
// off; other values follow the same policy as the API.
func (b *Bridge) handlePercentage(payload string) {
	b.command("percentage", func(ctx context.Context) error {
		pct, err := strconv.Atoi(payload)
		if err != nil {
			return fmt.Errorf("invalid percentage %q", payload)
		}
		if pct == 0 {
			return b.coord.TurnOff(ctx)
		}
		return b.coord.SetSpeed(ctx, pct)
	})
}

func (b *Bridge) handlePreset(payload string) {
	b.command("preset", func(ctx context.Context) error {
		return b.coord.ApplyPreset(ctx, speed.Preset(strings.ToLower(payload)))
	})
}

func (b *Bridge) command(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		b.logger.Warn("MQTT command dropped", "cmd", name, "err", err)
		// Re-publish so HA reverts its optimistic state.
		b.publishState()
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
