// Package discovery finds the fan device on the local network, provisions it
// with WiFi credentials, and exposes its configuration status and speed.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vocleair/internal/device"
	"vocleair/internal/speed"
	"vocleair/internal/store"
)

var (
	ErrNotProvisioned         = errors.New("device not provisioned")
	ErrProvisioningTimeout    = errors.New("device did not connect: retry")
	ErrCredentialRejected     = errors.New("credentials not sent: ensure connected to device AP")
	ErrProvisioningInProgress = errors.New("provisioning already in progress")
	ErrMissingSSID            = errors.New("ssid is required")
)

// ConfigurationStatus is the tri-state device configuration status.
type ConfigurationStatus int

const (
	StatusUnknown ConfigurationStatus = iota
	StatusConfigured
	StatusNotConfigured
)

func (s ConfigurationStatus) String() string {
	switch s {
	case StatusConfigured:
		return "configured"
	case StatusNotConfigured:
		return "not_configured"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its string form in JSON.
func (s ConfigurationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeviceClient is the set of device calls the coordinator depends on.
// *device.Client implements it.
type DeviceClient interface {
	RequestBroadcast(ctx context.Context) (string, error)
	CheckReachable(ctx context.Context, addr string) (device.Status, error)
	SendSpeed(ctx context.Context, addr string, raw int) bool
	SendCredentials(ctx context.Context, ssid, password string) bool
}

// Config holds provisioning poll configuration.
type Config struct {
	// PollInterval is the wait between provisioning attempts (default 1s).
	PollInterval time.Duration
	// MaxAttempts bounds the provisioning poll (default 30).
	MaxAttempts int
	// ProbeTimeout bounds each broadcast probe made while polling
	// (default and maximum PollInterval).
	ProbeTimeout time.Duration
}

const (
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 30
)

// FanState is the locally cached view of the fan.
type FanState struct {
	Raw        int  `json:"raw"`
	Percentage int  `json:"percentage"`
	On         bool `json:"on"`
}

func fanState(raw int) FanState {
	return FanState{Raw: raw, Percentage: speed.RawToPercentage(raw), On: raw > 0}
}

// Coordinator runs the discovery state machine and owns the cached device
// state. It is safe for concurrent use.
type Coordinator struct {
	client DeviceClient
	store  store.Store
	events *EventBus
	logger *slog.Logger
	config Config

	mu              sync.Mutex
	status          ConfigurationStatus
	raw             int
	provisionCancel context.CancelFunc
	provisionDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator in the Unknown state.
func New(client DeviceClient, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > cfg.PollInterval {
		cfg.ProbeTimeout = cfg.PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		client: client,
		store:  st,
		events: events,
		logger: logger.With("component", "discovery"),
		config: cfg,
		status: StatusUnknown,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Start runs the startup sequence: ask the device for its address over the
// AP-mode broadcast endpoint, then verify whatever address is cached. It
// always leaves the coordinator Configured or NotConfigured; the returned
// error only reports a store failure.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("discovering device...")

	// Best effort: a device still in AP mode may announce a new address.
	c.pullBroadcast(ctx)

	addr, err := c.store.GetAddress()
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Info("no device address cached, requesting broadcast")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pullBroadcast(c.ctx)
		}()
		c.setStatus(StatusNotConfigured)
		return nil
	}
	if err != nil {
		c.setStatus(StatusNotConfigured)
		return fmt.Errorf("read device address: %w", err)
	}

	st, err := c.client.CheckReachable(ctx, addr)
	if err != nil {
		c.logger.Warn("cached device address unreachable", "address", addr, "err", err)
		c.setStatus(StatusNotConfigured)
		return nil
	}

	c.setRaw(st.FanSpeed)
	c.setStatus(StatusConfigured)
	c.logger.Info("device connected", "address", addr, "fan_speed", st.FanSpeed)
	return nil
}

// Stop cancels any running provisioning and background work and waits for
// it to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Status returns the current configuration status.
func (c *Coordinator) Status() ConfigurationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Address returns the cached device address, or "" when none is cached.
func (c *Coordinator) Address() string {
	addr, err := c.store.GetAddress()
	if err != nil {
		return ""
	}
	return addr
}

// Fan returns the last known fan state without contacting the device.
func (c *Coordinator) Fan() FanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fanState(c.raw)
}

// Reset forgets the device: any running provisioning is cancelled, the
// cached address is cleared and the status becomes NotConfigured. No network
// call is made and discovery is not re-attempted.
func (c *Coordinator) Reset() error {
	c.logger.Info("resetting device configuration")
	c.cancelProvisioningAndWait()
	err := c.store.ClearAddress()
	if err != nil {
		c.logger.Error("clear device address", "err", err)
	} else {
		c.events.Emit(Event{Type: EventAddressChanged, Data: map[string]any{"address": ""}})
	}
	c.setRaw(0)
	c.setStatus(StatusNotConfigured)
	if err != nil {
		return fmt.Errorf("clear device address: %w", err)
	}
	return nil
}

// FetchStatus refreshes the fan speed from the device and returns it as a
// percentage. On any failure the last known value (0 if none) is returned.
// The configuration status is not changed.
func (c *Coordinator) FetchStatus(ctx context.Context) int {
	addr, err := c.store.GetAddress()
	if err != nil {
		return c.Fan().Percentage
	}
	st, err := c.client.CheckReachable(ctx, addr)
	if err != nil {
		c.logger.Debug("fetch fan status failed, using last known", "address", addr, "err", err)
		return c.Fan().Percentage
	}
	c.setRaw(st.FanSpeed)
	return speed.RawToPercentage(st.FanSpeed)
}

// SetSpeed sets the fan to a percentage. The percentage is quantized by
// speed.Quantize and rejected when out of range. The device call itself is
// best-effort; only a missing address is reported.
func (c *Coordinator) SetSpeed(ctx context.Context, pct int) error {
	q, err := speed.Quantize(pct)
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, speed.PercentageToRaw(q))
}

// ApplyPreset sets the fan to a named preset.
func (c *Coordinator) ApplyPreset(ctx context.Context, p speed.Preset) error {
	pct, ok := p.Percentage()
	if !ok {
		return fmt.Errorf("unknown preset %q", p)
	}
	return c.SetSpeed(ctx, pct)
}

// Toggle switches the fan off, or on at the minimum speed when it is off.
func (c *Coordinator) Toggle(ctx context.Context) error {
	return c.sendRaw(ctx, speed.ToggleRaw(c.Fan().Raw))
}

// TurnOn starts the fan at the minimum speed if it is off.
func (c *Coordinator) TurnOn(ctx context.Context) error {
	if c.Fan().On {
		return nil
	}
	return c.sendRaw(ctx, speed.MinSpeed)
}

// TurnOff stops the fan.
func (c *Coordinator) TurnOff(ctx context.Context) error {
	return c.sendRaw(ctx, 0)
}

// StartWatcher refreshes the fan status every interval until Stop.
func (c *Coordinator) StartWatcher(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
			}
			if c.Status() != StatusConfigured {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, interval)
			c.FetchStatus(ctx)
			cancel()
		}
	}()
	c.logger.Info("status watcher started", "interval", interval)
}

func (c *Coordinator) sendRaw(ctx context.Context, raw int) error {
	addr, err := c.store.GetAddress()
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotProvisioned
	}
	if err != nil {
		return fmt.Errorf("read device address: %w", err)
	}
	if c.client.SendSpeed(ctx, addr, raw) {
		c.setRaw(raw)
	}
	return nil
}

// pullBroadcast asks the device for its address and caches any answer.
func (c *Coordinator) pullBroadcast(ctx context.Context) (string, bool) {
	addr, err := c.client.RequestBroadcast(ctx)
	if err != nil {
		c.logger.Debug("broadcast request failed", "err", err)
		return "", false
	}
	if err := c.store.SetAddress(addr); err != nil {
		c.logger.Error("save device address", "address", addr, "err", err)
		return "", false
	}
	c.events.Emit(Event{Type: EventAddressChanged, Data: map[string]any{"address": addr}})
	return addr, true
}

func (c *Coordinator) setStatus(s ConfigurationStatus) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()

	statusGauge.Set(float64(s))
	if prev == s {
		return
	}
	c.logger.Info("configuration status changed", "from", prev, "to", s)
	c.events.Emit(Event{Type: EventStatusChanged, Data: map[string]any{"status": s.String()}})
}

func (c *Coordinator) setRaw(raw int) {
	c.mu.Lock()
	prev := c.raw
	c.raw = raw
	c.mu.Unlock()

	fs := fanState(raw)
	speedRawGauge.Set(float64(fs.Raw))
	speedPercentGauge.Set(float64(fs.Percentage))
	if prev == raw {
		return
	}
	c.events.Emit(Event{Type: EventSpeedChanged, Data: map[string]any{
		"raw":        fs.Raw,
		"percentage": fs.Percentage,
		"on":         fs.On,
	}})
}
