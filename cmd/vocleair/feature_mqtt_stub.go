//go:build no_mqtt

package main

import (
	"log/slog"

	"vocleair/internal/discovery"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *discovery.Coordinator, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
