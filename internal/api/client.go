// Package api is the device's view of the content service: metadata
// negotiation, the binary image stream, best-effort telemetry, and the
// firmware endpoints. All requests go through one host-resolution helper so
// the override-host fallback behaves identically at every call site.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"epdnode/internal/config"
	appLog "epdnode/internal/log"
)

// Per-call timeouts. Telemetry stays short because it must never hold up
// the wake cycle.
const (
	metadataTimeout = 30 * time.Second
	imageTimeout    = 60 * time.Second
	statusTimeout   = 10 * time.Second
	logTimeout      = 5 * time.Second
	actionTimeout   = 10 * time.Second
	firmwareTimeout = 120 * time.Second
)

// Descriptor is the metadata document fetched once per wake.
type Descriptor struct {
	ContentID    string `json:"imageId"`
	SleepMicros  uint64 `json:"sleepDuration,omitempty"`
	OverrideHost string `json:"devServerHost,omitempty"`
	EpochMillis  uint64 `json:"epoch,omitempty"`
	HasImage     bool   `json:"hasImage,omitempty"`
}

// Status is one telemetry report's payload.
type Status struct {
	Status         string  `json:"status"`
	BatteryVoltage float64 `json:"batteryVoltage"`
	BatteryPercent int     `json:"batteryPercent"`
	IsCharging     bool    `json:"isCharging"`
	SignalStrength int     `json:"signalStrength"`
	Firmware       string  `json:"firmwareVersion"`
	UptimeMillis   int64   `json:"uptime"`
	BootCount      uint32  `json:"bootCount"`
	UsedFallback   bool    `json:"usedFallback"`
}

// Client talks to the content service. A Client outlives a wake cycle in
// resident mode; the override host and fallback flag are scoped to one wake
// and cleared by ResetWake.
type Client struct {
	http         *http.Client
	deviceID     string
	primaryHost  string
	firmware     string
	started      time.Time
	overrideHost string
	usedFallback bool
}

// NewClient builds a Client for the configured primary host.
func NewClient(cfg *config.Config, firmwareVersion string) *Client {
	return &Client{
		http:        &http.Client{},
		deviceID:    cfg.DeviceID,
		primaryHost: cfg.ServerHost,
		firmware:    firmwareVersion,
		started:     time.Now(),
	}
}

// SetOverrideHost directs subsequent fetches at the host the metadata
// document named, until a failure falls back to the primary.
func (c *Client) SetOverrideHost(host string) {
	c.overrideHost = host
}

// UsedFallback reports whether the override host failed and the primary
// served instead.
func (c *Client) UsedFallback() bool {
	return c.usedFallback
}

// ResetWake clears the per-wake session state. Called at the start of every
// wake cycle so an override host, or a fallback marker, from a previous
// cycle cannot leak into this one.
func (c *Client) ResetWake() {
	c.overrideHost = ""
	c.usedFallback = false
}

func (c *Client) url(host, endpoint string) string {
	return "http://" + host + "/api/" + endpoint
}

// get resolves the active host, attempts, and on override-host failure marks
// the session degraded and retries once against the primary. The override is
// dropped for the rest of the wake.
func (c *Client) get(ctx context.Context, endpoint string, timeout time.Duration) (*http.Response, error) {
	host := c.primaryHost
	if c.overrideHost != "" {
		host = c.overrideHost
	}

	resp, err := c.getHost(ctx, host, endpoint, timeout)
	if (err != nil || resp.StatusCode != http.StatusOK) && host != c.primaryHost {
		if err == nil {
			resp.Body.Close()
		}
		appLog.Warn("override host failed, falling back to primary", "host", host, "endpoint", endpoint)
		c.usedFallback = true
		c.overrideHost = ""
		resp, err = c.getHost(ctx, c.primaryHost, endpoint, timeout)
	}
	return resp, err
}

func (c *Client) getHost(ctx context.Context, host, endpoint string, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(host, endpoint), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", "epdnode/"+c.firmware)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the per-request timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// FetchMetadata retrieves the current content descriptor. A non-200 status
// or malformed body is an error; the wake cycle then skips the render stage
// and preserves the previous content.
func (c *Client) FetchMetadata(ctx context.Context) (Descriptor, error) {
	resp, err := c.get(ctx, "current.json", metadataTimeout)
	if err != nil {
		return Descriptor{}, fmt.Errorf("api: metadata fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, fmt.Errorf("api: metadata fetch: status %d", resp.StatusCode)
	}

	var desc Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return Descriptor{}, fmt.Errorf("api: metadata parse: %w", err)
	}
	if desc.ContentID == "" {
		return Descriptor{}, fmt.Errorf("api: metadata missing content id")
	}

	if desc.OverrideHost != "" {
		appLog.Info("override source host enabled", "host", desc.OverrideHost)
		c.SetOverrideHost(desc.OverrideHost)
	}
	return desc, nil
}

// ContentChanged decides whether a render is required.
//
// A button wake always renders: the backend may have moved "current" in
// response to the same press, so identifier equality proves nothing. An
// empty retained id is the first boot after power loss and also renders.
func ContentChanged(externalWake bool, retained, fetched string) bool {
	if externalWake {
		return true
	}
	if retained != "" && retained == fetched {
		return false
	}
	return true
}

// OpenImage starts the binary payload stream and returns the body plus the
// declared content length (-1 when unknown). The caller owns the body.
func (c *Client) OpenImage(ctx context.Context) (io.ReadCloser, int64, error) {
	resp, err := c.get(ctx, "image.bin", imageTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("api: image fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("api: image fetch: status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// post sends a telemetry document to the primary host. Telemetry never uses
// the override host; the primary's dashboard is the one that matters.
func (c *Client) post(ctx context.Context, endpoint string, payload any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.primaryHost, endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "epdnode/"+c.firmware)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("api: %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// ReportStatus posts the device-status document. Fire-and-forget: failures
// are logged and swallowed.
func (c *Client) ReportStatus(ctx context.Context, st Status) {
	st.Firmware = c.firmware
	st.UptimeMillis = time.Since(c.started).Milliseconds()
	st.UsedFallback = c.usedFallback

	doc := map[string]any{
		"deviceId": c.deviceID,
		"status":   st,
	}
	if err := c.post(ctx, "device-status", doc, statusTimeout); err != nil {
		appLog.Warn("status report failed", "status", st.Status, "err", err)
		return
	}
	appLog.Debug("status reported", "status", st.Status)
}

// ReportLog forwards a log line to the backend, best-effort.
func (c *Client) ReportLog(ctx context.Context, message, level string) {
	doc := map[string]any{
		"deviceId":   c.deviceID,
		"logs":       message,
		"logLevel":   level,
		"deviceTime": time.Since(c.started).Milliseconds(),
	}
	if err := c.post(ctx, "logs", doc, logTimeout); err != nil {
		appLog.Debug("log report failed", "err", err)
	}
}

// ReportAction tells the backend which button woke the device, before the
// metadata fetch, so the backend can move "current" first.
func (c *Client) ReportAction(ctx context.Context, action string) {
	doc := map[string]any{
		"deviceId": c.deviceID,
		"action":   action,
	}
	if err := c.post(ctx, "action", doc, actionTimeout); err != nil {
		appLog.Warn("action report failed", "action", action, "err", err)
		return
	}
	appLog.Info("action reported", "action", action)
}

// FirmwareVersion asks the backend which firmware it currently offers.
func (c *Client) FirmwareVersion(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "firmware/version", statusTimeout)
	if err != nil {
		return "", fmt.Errorf("api: firmware version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api: firmware version: status %d", resp.StatusCode)
	}

	var doc struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("api: firmware version parse: %w", err)
	}
	return doc.Version, nil
}

// DownloadFirmware streams the offered firmware binary to path. Only called
// behind the battery safety gate.
func (c *Client) DownloadFirmware(ctx context.Context, path string) error {
	resp, err := c.get(ctx, "firmware/download", firmwareTimeout)
	if err != nil {
		return fmt.Errorf("api: firmware download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: firmware download: status %d", resp.StatusCode)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("api: firmware download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
