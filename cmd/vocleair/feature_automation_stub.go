//go:build no_automation

package main

import (
	"log/slog"

	"vocleair/internal/discovery"
	"vocleair/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *discovery.Coordinator, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
