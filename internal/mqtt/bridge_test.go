//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"vocleair/internal/device"
	"vocleair/internal/discovery"
	"vocleair/internal/speed"
	"vocleair/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// doneToken is a completed paho token.
type doneToken struct{ pahomqtt.Token }

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type published struct {
	topic    string
	payload  string
	retained bool
}

// fakeClient records publishes and lets tests deliver messages to
// subscribed handlers.
type fakeClient struct {
	mu           sync.Mutex
	published    []published
	subs         map[string]pahomqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic, string(payload.([]byte)), retained})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = make(map[string]pahomqtt.MessageHandler)
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	cb := c.subs[topic]
	c.mu.Unlock()
	if cb == nil {
		t.Fatalf("no subscription for %s", topic)
	}
	cb(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

// last returns the most recent payload published on topic.
func (c *fakeClient) last(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i].payload, true
		}
	}
	return "", false
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

type stubDevice struct {
	mu     sync.Mutex
	speeds []int
}

func (d *stubDevice) RequestBroadcast(context.Context) (string, error) {
	return "", device.ErrNetworkUnreachable
}

func (d *stubDevice) CheckReachable(context.Context, string) (device.Status, error) {
	return device.Status{}, nil
}

func (d *stubDevice) SendSpeed(_ context.Context, _ string, raw int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speeds = append(d.speeds, raw)
	return true
}

func (d *stubDevice) SendCredentials(context.Context, string, string) bool { return true }

func (d *stubDevice) sent() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.speeds...)
}

type testEnv struct {
	bridge *Bridge
	client *fakeClient
	dev    *stubDevice
	coord  *discovery.Coordinator
}

func setupBridge(t *testing.T, provisioned bool) *testEnv {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if provisioned {
		if err := st.SetAddress("192.168.1.50"); err != nil {
			t.Fatal(err)
		}
	}

	dev := &stubDevice{}
	coord := discovery.New(dev, st, discovery.NewEventBus(testLogger()), discovery.Config{}, testLogger())
	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)

	client := &fakeClient{}
	b := newBridge(coord, Config{}, testLogger())
	b.client = client
	b.onConnect()
	b.Start()
	return &testEnv{bridge: b, client: client, dev: dev, coord: coord}
}

func decodeState(t *testing.T, payload string) fanState {
	t.Helper()
	var st fanState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		t.Fatalf("decode state %q: %v", payload, err)
	}
	return st
}

func TestDiscoveryFan(t *testing.T) {
	msgs := buildDiscovery("fan", newTopics("vocleair"), "1.2.0")
	if len(msgs) != 2 {
		t.Fatalf("got %d discovery messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/fan/vocleair_fan/fan/config" {
		t.Errorf("fan topic = %q", msgs[0].Topic)
	}

	var p haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.UniqueID != "vocleair_fan_fan" {
		t.Errorf("unique_id = %q", p.UniqueID)
	}
	if p.CommandTopic != "vocleair/fan/set" {
		t.Errorf("command_topic = %q", p.CommandTopic)
	}
	if p.PercentageCommandTopic != "vocleair/fan/percentage/set" {
		t.Errorf("percentage_command_topic = %q", p.PercentageCommandTopic)
	}
	if p.PresetModeCommandTopic != "vocleair/fan/preset/set" {
		t.Errorf("preset_mode_command_topic = %q", p.PresetModeCommandTopic)
	}
	if p.AvailabilityTopic != "vocleair/bridge/state" {
		t.Errorf("availability_topic = %q", p.AvailabilityTopic)
	}
	if len(p.PresetModes) != len(speed.Presets) || p.PresetModes[0] != string(speed.Presets[0]) {
		t.Errorf("preset_modes = %v", p.PresetModes)
	}
	if p.SpeedRangeMin != 1 || p.SpeedRangeMax != 100 {
		t.Errorf("speed range = %d..%d", p.SpeedRangeMin, p.SpeedRangeMax)
	}
	if p.Device.SWVersion != "1.2.0" || p.Device.Identifiers[0] != "vocleair_fan" {
		t.Errorf("device = %+v", p.Device)
	}
}

func TestDiscoveryStatusSensor(t *testing.T) {
	msgs := buildDiscovery("bedroom", newTopics("home/fan"), "")
	if msgs[1].Topic != "homeassistant/sensor/vocleair_bedroom/status/config" {
		t.Errorf("sensor topic = %q", msgs[1].Topic)
	}
	var p haDiscovery
	if err := json.Unmarshal(msgs[1].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.StateTopic != "home/fan/fan" || p.ValueTemplate != "{{ value_json.status }}" {
		t.Errorf("sensor = %+v", p)
	}
	if p.CommandTopic != "" {
		t.Errorf("sensor has command_topic %q", p.CommandTopic)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(chan) = %s, want {}", got)
	}
}

func TestBridgeOnConnect(t *testing.T) {
	env := setupBridge(t, true)

	if got, _ := env.client.last("vocleair/bridge/state"); got != "online" {
		t.Errorf("availability = %q, want online", got)
	}
	if env.client.count("homeassistant/fan/vocleair_fan/fan/config") != 1 {
		t.Error("fan discovery not published")
	}
	for _, topic := range []string{"vocleair/fan/set", "vocleair/fan/percentage/set", "vocleair/fan/preset/set"} {
		if env.client.subs[topic] == nil {
			t.Errorf("not subscribed to %s", topic)
		}
	}

	payload, ok := env.client.last("vocleair/fan")
	if !ok {
		t.Fatal("state not published")
	}
	st := decodeState(t, payload)
	if st.State != "OFF" || st.Status != "configured" {
		t.Errorf("state = %+v", st)
	}
}

func TestBridgeCommands(t *testing.T) {
	env := setupBridge(t, true)

	env.client.deliver(t, "vocleair/fan/preset/set", "boost")
	st := decodeState(t, mustLast(t, env.client, "vocleair/fan"))
	if st.State != "ON" || st.Percentage != 100 || st.Preset != "boost" {
		t.Errorf("after boost = %+v", st)
	}

	env.client.deliver(t, "vocleair/fan/set", "OFF")
	if st := decodeState(t, mustLast(t, env.client, "vocleair/fan")); st.State != "OFF" || st.Preset != "" {
		t.Errorf("after OFF = %+v", st)
	}

	env.client.deliver(t, "vocleair/fan/set", "ON")
	env.client.deliver(t, "vocleair/fan/percentage/set", "0")

	sent := env.dev.sent()
	want := []int{speed.MaxSpeed, 0, speed.MinSpeed, 0}
	if len(sent) != len(want) {
		t.Fatalf("sent = %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %d, want %d", i, sent[i], want[i])
		}
	}
}

func TestBridgeInvalidCommandRepublishesState(t *testing.T) {
	env := setupBridge(t, true)
	before := env.client.count("vocleair/fan")

	env.client.deliver(t, "vocleair/fan/percentage/set", "fast")
	env.client.deliver(t, "vocleair/fan/percentage/set", "10")
	env.client.deliver(t, "vocleair/fan/preset/set", "turbo")
	env.client.deliver(t, "vocleair/fan/set", "MAYBE")

	if n := len(env.dev.sent()); n != 0 {
		t.Errorf("device received %d speed commands, want 0", n)
	}
	if got := env.client.count("vocleair/fan") - before; got != 4 {
		t.Errorf("state republished %d times, want 4", got)
	}
}

func TestBridgeNotProvisioned(t *testing.T) {
	env := setupBridge(t, false)

	env.client.deliver(t, "vocleair/fan/set", "ON")
	if n := len(env.dev.sent()); n != 0 {
		t.Errorf("device received %d commands, want 0", n)
	}
	st := decodeState(t, mustLast(t, env.client, "vocleair/fan"))
	if st.Status != "not_configured" || st.State != "OFF" {
		t.Errorf("state = %+v", st)
	}
}

func TestBridgePublishesOnStatusChange(t *testing.T) {
	env := setupBridge(t, true)

	if err := env.coord.Reset(); err != nil {
		t.Fatal(err)
	}
	st := decodeState(t, mustLast(t, env.client, "vocleair/fan"))
	if st.Status != "not_configured" {
		t.Errorf("status = %q, want not_configured", st.Status)
	}
}

func TestBridgeStop(t *testing.T) {
	env := setupBridge(t, true)
	env.bridge.Stop()

	if got, _ := env.client.last("vocleair/bridge/state"); got != "offline" {
		t.Errorf("availability = %q, want offline", got)
	}
	if !env.client.disconnected {
		t.Error("client not disconnected")
	}

	// Events after Stop are not forwarded.
	before := env.client.count("vocleair/fan")
	env.coord.Reset()
	if got := env.client.count("vocleair/fan"); got != before {
		t.Errorf("state published after stop")
	}
}

func mustLast(t *testing.T, c *fakeClient, topic string) string {
	t.Helper()
	p, ok := c.last(topic)
	if !ok {
		t.Fatalf("nothing published on %s", topic)
	}
	return p
}
