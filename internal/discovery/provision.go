package discovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"vocleair/internal/store"
)

// SubmitCredentials sends WiFi credentials to the device in AP mode and
// waits for it to come up on the home network.
//
// If the device refuses the credentials, ErrCredentialRejected is returned
// without polling. Otherwise the device is polled once per PollInterval for
// at most MaxAttempts attempts, all within MaxAttempts*PollInterval, before
// ErrProvisioningTimeout. An address cached before the call only counts once
// the device announces it again. Cancelling ctx, calling CancelProvisioning,
// Reset or Stop ends the poll within one probe.
func (c *Coordinator) SubmitCredentials(ctx context.Context, ssid, password string) error {
	if strings.TrimSpace(ssid) == "" {
		return ErrMissingSSID
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	c.mu.Lock()
	if c.provisionCancel != nil {
		c.mu.Unlock()
		return ErrProvisioningInProgress
	}
	c.provisionCancel = cancel
	c.provisionDone = done
	c.mu.Unlock()

	stopOnShutdown := context.AfterFunc(c.ctx, cancel)
	defer func() {
		stopOnShutdown()
		c.mu.Lock()
		c.provisionCancel = nil
		c.provisionDone = nil
		c.mu.Unlock()
		close(done)
	}()

	id := uuid.NewString()
	logger := c.logger.With("provisioning_id", id)
	c.emitProvisioning(id, PhaseStarted, 0, nil)
	logger.Info("provisioning started", "ssid", ssid)

	if !c.client.SendCredentials(ctx, ssid, password) {
		provisioningTotal.WithLabelValues("rejected").Inc()
		c.emitProvisioning(id, PhaseFailed, 0, ErrCredentialRejected)
		return ErrCredentialRejected
	}

	// The device rejoins the home network and may get a new address. The
	// old one stays cached until something replaces it.
	stale, _ := c.store.GetAddress()

	start := time.Now()
	pollCtx, stop := context.WithDeadline(ctx, start.Add(c.ProvisioningBudget()))
	defer stop()

	attempts := 0
	for attempts < c.config.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return c.provisioningCancelled(id, attempts, err)
		}
		attempts++

		addr, ok := c.probeAddress(pollCtx, stale)
		if err := ctx.Err(); err != nil {
			return c.provisioningCancelled(id, attempts, err)
		}
		if ok {
			c.setStatus(StatusConfigured)
			provisioningTotal.WithLabelValues("succeeded").Inc()
			c.emitProvisioning(id, PhaseSucceeded, attempts, nil)
			logger.Info("device connected", "address", addr, "attempt", attempts)
			return nil
		}

		c.emitProvisioning(id, PhaseWaiting, attempts, nil)
		logger.Debug("waiting for device address", "attempt", attempts, "max_attempts", c.config.MaxAttempts)

		if attempts == c.config.MaxAttempts {
			break
		}
		// Attempts run on a fixed schedule; time spent probing is not added.
		next := start.Add(time.Duration(attempts) * c.config.PollInterval)
		if !sleepCtx(pollCtx, time.Until(next)) {
			if err := ctx.Err(); err != nil {
				return c.provisioningCancelled(id, attempts, err)
			}
			break
		}
	}

	provisioningTotal.WithLabelValues("timeout").Inc()
	c.emitProvisioning(id, PhaseFailed, attempts, ErrProvisioningTimeout)
	logger.Warn("device did not connect", "attempts", attempts)
	return ErrProvisioningTimeout
}

// ProvisioningBudget is the longest SubmitCredentials polls after the
// credentials are accepted.
func (c *Coordinator) ProvisioningBudget() time.Duration {
	return time.Duration(c.config.MaxAttempts) * c.config.PollInterval
}

// CancelProvisioning stops a running SubmitCredentials. It reports whether
// one was running.
func (c *Coordinator) CancelProvisioning() bool {
	c.mu.Lock()
	cancel := c.provisionCancel
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// cancelProvisioningAndWait cancels a running SubmitCredentials and waits for
// it to return, so it cannot change the status afterwards.
func (c *Coordinator) cancelProvisioningAndWait() {
	c.mu.Lock()
	cancel, done := c.provisionCancel, c.provisionDone
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Provisioning reports whether SubmitCredentials is running.
func (c *Coordinator) Provisioning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provisionCancel != nil
}

// probeAddress reports a device address that is new since the poll began:
// either one cached by another path (startup broadcast) or one the device
// announces now.
func (c *Coordinator) probeAddress(ctx context.Context, stale string) (string, bool) {
	addr, err := c.store.GetAddress()
	switch {
	case err == nil && addr != stale:
		return addr, true
	case err != nil && !errors.Is(err, store.ErrNotFound):
		c.logger.Error("read device address", "err", err)
		return "", false
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()
	return c.pullBroadcast(probeCtx)
}

func (c *Coordinator) provisioningCancelled(id string, attempt int, err error) error {
	provisioningTotal.WithLabelValues("cancelled").Inc()
	c.emitProvisioning(id, PhaseCancelled, attempt, nil)
	c.logger.Info("provisioning cancelled", "provisioning_id", id, "attempt", attempt)
	return err
}

func (c *Coordinator) emitProvisioning(id, phase string, attempt int, err error) {
	data := map[string]any{
		"id":      id,
		"phase":   phase,
		"attempt": attempt,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	c.events.Emit(Event{Type: EventProvisioning, Data: data})
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
