// Package device talks to the fan controller over its local HTTP API.
//
// Every call is a single request with no retry. Failures come back as
// errors wrapping ErrNetworkUnreachable or ErrInvalidResponse; SendSpeed
// and SendCredentials only report success as a bool.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vocleair/internal/speed"
)

const (
	// DefaultAPAddress is where the device serves its setup API in AP mode.
	DefaultAPAddress = "192.168.4.1"

	// BroadcastTimeout bounds the AP-mode address announcement request.
	BroadcastTimeout = 5 * time.Second

	// DefaultRequestTimeout bounds every other request.
	DefaultRequestTimeout = 5 * time.Second

	maxBodySize = 4 << 10
)

var (
	ErrNetworkUnreachable = errors.New("device unreachable")
	ErrInvalidResponse    = errors.New("invalid device response")
)

// Config holds device client configuration.
type Config struct {
	APAddress      string
	RequestTimeout time.Duration
}

// Status is the body of the device's /status endpoint.
type Status struct {
	FanSpeed int `json:"fanSpeed"`
}

// Client issues requests to the device. It holds no per-device state: the
// target address is passed to each call.
type Client struct {
	apAddress      string
	requestTimeout time.Duration
	// Deadlines come from each call's context, so one client serves both
	// the broadcast and request timeouts.
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a device client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	ap := strings.TrimSpace(cfg.APAddress)
	if ap == "" {
		ap = DefaultAPAddress
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		apAddress:      ap,
		requestTimeout: timeout,
		httpClient:     &http.Client{},
		logger:         logger.With("component", "device"),
	}
}

// APAddress returns the AP-mode address this client targets.
func (c *Client) APAddress() string {
	return c.apAddress
}

// RequestBroadcast asks the device, via its AP-mode address, for the address
// it obtained on the home network.
func (c *Client) RequestBroadcast(ctx context.Context) (addr string, err error) {
	defer func() { observe("broadcast", err) }()

	ctx, cancel := context.WithTimeout(ctx, BroadcastTimeout)
	defer cancel()

	body, err := c.get(ctx, c.apAddress, "/broadcast", nil)
	if err != nil {
		return "", err
	}
	addr = strings.TrimSpace(string(body))
	if addr == "" {
		return "", fmt.Errorf("%w: empty broadcast body", ErrInvalidResponse)
	}
	c.logger.Info("device announced address", "address", addr)
	return addr, nil
}

// CheckReachable fetches the fan status from addr. Only a 200 response with
// a fanSpeed field in range counts as reachable.
func (c *Client) CheckReachable(ctx context.Context, addr string) (_ Status, err error) {
	defer func() { observe("status", err) }()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	body, err := c.get(ctx, addr, "/status", nil)
	if err != nil {
		return Status{}, err
	}

	var raw struct {
		FanSpeed *int `json:"fanSpeed"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Status{}, fmt.Errorf("%w: decode status: %v", ErrInvalidResponse, err)
	}
	if raw.FanSpeed == nil {
		return Status{}, fmt.Errorf("%w: status has no fanSpeed", ErrInvalidResponse)
	}
	if *raw.FanSpeed < 0 || *raw.FanSpeed > speed.MaxSpeed {
		return Status{}, fmt.Errorf("%w: fanSpeed %d out of range", ErrInvalidResponse, *raw.FanSpeed)
	}
	return Status{FanSpeed: *raw.FanSpeed}, nil
}

// SendSpeed sets the raw fan speed. It is best-effort: failures are logged
// and reported as false, never returned as errors.
func (c *Client) SendSpeed(ctx context.Context, addr string, raw int) bool {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	q := url.Values{"value": {strconv.Itoa(raw)}}
	_, err := c.get(ctx, addr, "/speed", q)
	observe("speed", err)
	if err != nil {
		c.logger.Warn("set fan speed failed", "address", addr, "raw", raw, "err", err)
		return false
	}
	c.logger.Debug("fan speed sent", "address", addr, "raw", raw)
	return true
}

// SendCredentials posts WiFi credentials to the device's AP-mode setup
// endpoint. It returns true only on a 2xx response.
func (c *Client) SendCredentials(ctx context.Context, ssid, password string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	endpoint := baseURL(c.apAddress) + "/setwifi"
	form := url.Values{"ssid": {ssid}, "password": {password}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error("build setwifi request", "err", err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observe("setwifi", ErrNetworkUnreachable)
		c.logger.Warn("send wifi credentials failed", "ssid", ssid, "err", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observe("setwifi", ErrInvalidResponse)
		c.logger.Warn("device rejected wifi credentials", "ssid", ssid, "status", resp.StatusCode)
		return false
	}
	observe("setwifi", nil)
	c.logger.Info("wifi credentials sent, waiting for device to rejoin", "ssid", ssid)
	return true
}

// get performs a GET and returns the body of a 200 response.
func (c *Client) get(ctx context.Context, addr, path string, query url.Values) ([]byte, error) {
	endpoint := baseURL(addr) + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrNetworkUnreachable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrNetworkUnreachable, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetworkUnreachable, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrInvalidResponse, endpoint, resp.StatusCode)
	}

	return body, nil
}

// baseURL turns a bare host, host:port or URL into an http base URL.
func baseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
