package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"vocleair/internal/device"
	"vocleair/internal/discovery"
	"vocleair/internal/store"
	"vocleair/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		APAddress      string `yaml:"ap_address"`
		RequestTimeout string `yaml:"request_timeout"`
		PollInterval   string `yaml:"poll_interval"` // background status refresh, "0s" disables
	} `yaml:"device"`
	Provisioning struct {
		Interval    string `yaml:"interval"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"provisioning"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		NodeID      string `yaml:"node_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

// durations holds the parsed duration settings.
type durations struct {
	requestTimeout time.Duration
	pollInterval   time.Duration
	provisionEvery time.Duration
}

func (c *Config) durations() (durations, error) {
	var d durations
	for _, f := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"device.request_timeout", c.Device.RequestTimeout, &d.requestTimeout},
		{"device.poll_interval", c.Device.PollInterval, &d.pollInterval},
		{"provisioning.interval", c.Provisioning.Interval, &d.provisionEvery},
	} {
		v, err := time.ParseDuration(f.val)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.key, err)
		}
		if v < 0 {
			return d, fmt.Errorf("%s must not be negative, got %s", f.key, f.val)
		}
		*f.dst = v
	}
	return d, nil
}

func (c *Config) validate() error {
	d, err := c.durations()
	if err != nil {
		return err
	}
	if d.requestTimeout == 0 {
		return errors.New("device.request_timeout must be positive")
	}
	if d.provisionEvery == 0 {
		return errors.New("provisioning.interval must be positive")
	}
	if c.Provisioning.MaxAttempts < 1 {
		return fmt.Errorf("provisioning.max_attempts must be at least 1, got %d", c.Provisioning.MaxAttempts)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}
	dur, _ := cfg.durations()

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("vocleair starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	client := device.NewClient(device.Config{
		APAddress:      cfg.Device.APAddress,
		RequestTimeout: dur.requestTimeout,
	}, logger)

	events := discovery.NewEventBus(logger)
	coord := discovery.New(client, db, events, discovery.Config{
		PollInterval: dur.provisionEvery,
		MaxAttempts:  cfg.Provisioning.MaxAttempts,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		// The coordinator is usable without a cached address.
		logger.Error("start coordinator", "err", err)
	}
	cancel()
	coord.StartWatcher(dur.pollInterval)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	registry := web.MetricsRegistry(device.MetricsCollectors(), discovery.MetricsCollectors())

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(registry),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:        cfg.Web.Listen,
		Handler:     webServer,
		ReadTimeout: 15 * time.Second,
		// POST /api/setup holds the request open for the credential send
		// plus the whole poll.
		WriteTimeout: setupWriteTimeout(coord.ProvisioningBudget(), dur.requestTimeout),
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	// Unblocks any in-flight setup request before the HTTP drain.
	coord.CancelProvisioning()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func setupWriteTimeout(pollBudget, requestTimeout time.Duration) time.Duration {
	return requestTimeout + pollBudget + 15*time.Second
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Device.APAddress == "" {
		cfg.Device.APAddress = device.DefaultAPAddress
	}
	if cfg.Device.RequestTimeout == "" {
		cfg.Device.RequestTimeout = device.DefaultRequestTimeout.String()
	}
	if cfg.Device.PollInterval == "" {
		cfg.Device.PollInterval = "0s"
	}
	if cfg.Provisioning.Interval == "" {
		cfg.Provisioning.Interval = discovery.DefaultPollInterval.String()
	}
	if cfg.Provisioning.MaxAttempts == 0 {
		cfg.Provisioning.MaxAttempts = discovery.DefaultMaxAttempts
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "vocleair.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "vocleair"
	}
	if cfg.MQTT.NodeID == "" {
		cfg.MQTT.NodeID = "fan"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
