package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"epdnode/internal/config"
)

func testClient(serverURL string) *Client {
	cfg := config.DefaultConfig()
	cfg.ServerHost = strings.TrimPrefix(serverURL, "http://")
	return NewClient(cfg, "test-1.0")
}

func TestFetchMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/current.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"imageId":       "img-42",
			"sleepDuration": uint64(1800000000),
			"epoch":         uint64(1700000000000),
			"hasImage":      true,
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	desc, err := c.FetchMetadata(context.Background())
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if desc.ContentID != "img-42" {
		t.Errorf("ContentID = %q", desc.ContentID)
	}
	if desc.SleepMicros != 1800000000 {
		t.Errorf("SleepMicros = %d", desc.SleepMicros)
	}
	if desc.EpochMillis != 1700000000000 {
		t.Errorf("EpochMillis = %d", desc.EpochMillis)
	}
}

func TestFetchMetadataBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).FetchMetadata(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestFetchMetadataMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{not json")
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).FetchMetadata(context.Background()); err == nil {
		t.Fatal("expected error on malformed body")
	}
}

func TestFetchMetadataMissingContentID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "{}")
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).FetchMetadata(context.Background()); err == nil {
		t.Fatal("expected error when content id is absent")
	}
}

func TestContentChanged(t *testing.T) {
	cases := []struct {
		name              string
		external          bool
		retained, fetched string
		want              bool
	}{
		{"button wake with equal ids", true, "a", "a", true},
		{"timer wake first boot", false, "", "a", true},
		{"timer wake matching ids", false, "a", "a", false},
		{"timer wake different ids", false, "a", "b", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ContentChanged(c.external, c.retained, c.fetched); got != c.want {
				t.Errorf("ContentChanged(%v, %q, %q) = %v, want %v", c.external, c.retained, c.fetched, got, c.want)
			}
		})
	}
}

func TestOverrideHostFallback(t *testing.T) {
	var primaryHits int
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryHits++
		w.Write([]byte("payload"))
	}))
	defer primary.Close()

	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer override.Close()

	c := testClient(primary.URL)
	c.SetOverrideHost(strings.TrimPrefix(override.URL, "http://"))

	body, _, err := c.OpenImage(context.Background())
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()

	if string(data) != "payload" {
		t.Errorf("body = %q", data)
	}
	if !c.UsedFallback() {
		t.Error("UsedFallback should be true after override failure")
	}
	if primaryHits != 1 {
		t.Errorf("primary hits = %d, want 1", primaryHits)
	}

	// The override must not be retried for the rest of the wake.
	body, _, err = c.OpenImage(context.Background())
	if err != nil {
		t.Fatalf("second OpenImage: %v", err)
	}
	body.Close()
	if primaryHits != 2 {
		t.Errorf("primary hits = %d, want 2", primaryHits)
	}
}

func TestResetWakeClearsOverrideState(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer primary.Close()

	c := testClient(primary.URL)
	c.SetOverrideHost("127.0.0.1:1") // nothing listens here

	body, _, err := c.OpenImage(context.Background())
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	body.Close()
	if !c.UsedFallback() {
		t.Fatal("fallback should be marked after the override host failed")
	}

	// Next wake: the previous cycle's override and degradation marker must
	// not carry over.
	c.ResetWake()
	if c.UsedFallback() {
		t.Error("UsedFallback should be cleared by ResetWake")
	}

	body, _, err = c.OpenImage(context.Background())
	if err != nil {
		t.Fatalf("OpenImage after reset: %v", err)
	}
	body.Close()
	if c.UsedFallback() {
		t.Error("fresh wake against the primary must not re-mark the fallback")
	}
}

func TestOpenImageDeclaredLength(t *testing.T) {
	payload := strings.Repeat("x", 96)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/image.bin" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Length", "96")
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	body, length, err := testClient(srv.URL).OpenImage(context.Background())
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer body.Close()

	if length != 96 {
		t.Errorf("declared length = %d, want 96", length)
	}
}

func TestTelemetryPayloads(t *testing.T) {
	type captured struct {
		path string
		body map[string]any
	}
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var doc map[string]any
		json.NewDecoder(r.Body).Decode(&doc)
		got = append(got, captured{r.URL.Path, doc})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	ctx := context.Background()

	c.ReportStatus(ctx, Status{Status: "awake", BatteryVoltage: 3.9, BatteryPercent: 70})
	c.ReportLog(ctx, "hello", "INFO")
	c.ReportAction(ctx, "refresh")

	if len(got) != 3 {
		t.Fatalf("captured %d requests, want 3", len(got))
	}

	if got[0].path != "/api/device-status" {
		t.Errorf("status path = %s", got[0].path)
	}
	st, ok := got[0].body["status"].(map[string]any)
	if !ok {
		t.Fatalf("status body missing nested status: %v", got[0].body)
	}
	if st["status"] != "awake" {
		t.Errorf("status = %v", st["status"])
	}
	if st["firmwareVersion"] != "test-1.0" {
		t.Errorf("firmwareVersion = %v", st["firmwareVersion"])
	}

	if got[1].path != "/api/logs" || got[1].body["logs"] != "hello" {
		t.Errorf("logs request = %+v", got[1])
	}
	if got[2].path != "/api/action" || got[2].body["action"] != "refresh" {
		t.Errorf("action request = %+v", got[2])
	}
}

func TestTelemetryFailureIsSwallowed(t *testing.T) {
	c := testClient("http://127.0.0.1:1") // nothing listens here
	ctx := context.Background()

	// Must not panic or block beyond the short timeout.
	c.ReportStatus(ctx, Status{Status: "sleeping"})
	c.ReportLog(ctx, "unreachable", "ERROR")
	c.ReportAction(ctx, "next")
}

func TestFirmwareVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/firmware/version" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "v3-1.1"})
	}))
	defer srv.Close()

	v, err := testClient(srv.URL).FirmwareVersion(context.Background())
	if err != nil {
		t.Fatalf("FirmwareVersion: %v", err)
	}
	if v != "v3-1.1" {
		t.Errorf("version = %q", v)
	}
}
