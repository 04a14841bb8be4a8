// Package cycle orchestrates one wake of the device: classify the wake,
// sample the battery, bring up the network, negotiate content, stream the
// image to the panel, report what happened, and hand back the next sleep
// duration. The pipeline is strictly sequential and every failure degrades
// to "keep the previous content, report best-effort, sleep safely".
package cycle

import (
	"context"
	"fmt"
	"time"

	"epdnode/internal/api"
	"epdnode/internal/config"
	"epdnode/internal/epd"
	"epdnode/internal/frame"
	appLog "epdnode/internal/log"
	"epdnode/internal/power"
	"epdnode/internal/retention"
	"epdnode/internal/schedule"
	"epdnode/internal/wake"
)

// Outcome classifies the download stage for telemetry and sleep policy.
type Outcome int

const (
	OutcomeNotAttempted Outcome = iota
	OutcomeSuccess
	OutcomeIncompleteDownload
	OutcomeAllocFailure
)

// Status strings the backend dashboard understands.
const (
	StatusAwake          = "awake"
	StatusMetadataFailed = "metadata_fetch_failed"
	StatusUnchanged      = "display_unchanged"
	StatusUpdated        = "display_updated"
	StatusDownloadFailed = "download_failed"
	StatusRenderFailed   = "render_failed"
	StatusLowBattery     = "low_battery"
	StatusSleeping       = "sleeping"
)

// Radio is the network session capability (see internal/netmgr for the
// NetworkManager-backed implementation).
type Radio interface {
	Connect(ctx context.Context, probe func()) bool
	Teardown()
	SignalStrength() int
}

// Result is what one wake produced; the caller owes the device a power-down
// of the given duration.
type Result struct {
	Status  string
	Outcome Outcome
	Sleep   time.Duration
}

// wakeContext accumulates the facts a wake gathers as it advances through
// the pipeline.
type wakeContext struct {
	cause            wake.Cause
	battery          power.Reading
	signal           int
	networkAvailable bool
	contentChanged   bool
	outcome          Outcome
}

// Runner wires the wake-cycle stages together.
type Runner struct {
	cfg      *config.Config
	client   *api.Client
	radio    Radio
	monitor  *power.Monitor
	classify func() wake.Cause
	panel    epd.Panel
	decoder  *frame.Decoder
	sched    *schedule.Scheduler
	probe    func()
	firmware string
}

// Options collects the Runner's collaborators. Probe may be nil.
type Options struct {
	Config    *config.Config
	Client    *api.Client
	Radio     Radio
	Monitor   *power.Monitor
	Classify  func() wake.Cause
	Panel     epd.Panel
	Decoder   *frame.Decoder
	Scheduler *schedule.Scheduler
	Probe     func()
	Firmware  string
}

func NewRunner(opts Options) *Runner {
	probe := opts.Probe
	if probe == nil {
		probe = func() {}
	}
	return &Runner{
		cfg:      opts.Config,
		client:   opts.Client,
		radio:    opts.Radio,
		monitor:  opts.Monitor,
		classify: opts.Classify,
		panel:    opts.Panel,
		decoder:  opts.Decoder,
		sched:    opts.Scheduler,
		probe:    probe,
		firmware: opts.Firmware,
	}
}

// Run executes one complete wake cycle. It always returns a result with a
// clamped sleep duration; there is no failure surface beyond the status it
// reports.
func (r *Runner) Run(ctx context.Context) Result {
	r.client.ResetWake()

	st := retention.Load(r.cfg.RetentionPath)
	st.WakeCount++
	appLog.Info("wake cycle starting",
		"wake_count", st.WakeCount,
		"last_content_id", st.LastContentID,
	)

	var wc wakeContext
	wc.cause = r.classify()
	wc.outcome = OutcomeNotAttempted

	reading, err := r.monitor.Sample(ctx, float64(st.LastBatteryVoltage))
	if err != nil {
		// A dead fuel gauge must not strand the device; assume a healthy
		// battery and carry on.
		appLog.Error("battery sample failed, assuming nominal", err)
		reading = power.Reading{Voltage: 3.8, Percent: power.Percentage(3.8)}
	}
	wc.battery = reading
	st.LastBatteryVoltage = float32(reading.Voltage)
	appLog.Info("battery sampled",
		"voltage", fmt.Sprintf("%.2f", reading.Voltage),
		"percent", reading.Percent,
		"charging", reading.Charging,
	)

	if r.monitor.Critical(reading) {
		// Below the critical threshold the radio stays off; every joule
		// goes to staying alive until someone charges it.
		appLog.Warn("battery critical, extending sleep", "voltage", reading.Voltage)
		return r.finish(st, &wc, StatusLowBattery, schedule.Inputs{LowBattery: true})
	}

	if !r.radio.Connect(ctx, r.probe) {
		wc.networkAvailable = false
		appLog.Warn("network unavailable, skipping cycle")
		return r.finish(st, &wc, StatusSleeping, schedule.Inputs{})
	}
	defer r.radio.Teardown()
	wc.networkAvailable = true
	wc.signal = r.radio.SignalStrength()

	r.client.ReportLog(ctx, fmt.Sprintf("connected, signal %d dBm", wc.signal), "INFO")
	r.client.ReportStatus(ctx, r.status(StatusAwake, st, &wc))

	// A button press means the backend may be about to move "current";
	// tell it before asking what current is.
	if wc.cause.External {
		r.client.ReportAction(ctx, wc.cause.Action())
	} else {
		r.client.ReportLog(ctx, "timer wake, checking for new content", "INFO")
	}

	desc, err := r.client.FetchMetadata(ctx)
	if err != nil {
		appLog.Error("metadata fetch failed, keeping previous content", err)
		r.client.ReportLog(ctx, "metadata fetch failed, skipping display update", "ERROR")
		r.client.ReportStatus(ctx, r.status(StatusMetadataFailed, st, &wc))
		return r.finish(st, &wc, StatusMetadataFailed, schedule.Inputs{})
	}

	wc.contentChanged = api.ContentChanged(wc.cause.External, st.LastContentID, desc.ContentID)

	inputs := schedule.Inputs{
		DirectiveMicros: desc.SleepMicros,
		EpochMillis:     desc.EpochMillis,
	}

	status := StatusUnchanged
	if wc.contentChanged {
		status = r.render(ctx, &st, &wc, desc)
		if wc.outcome == OutcomeIncompleteDownload {
			inputs.IncompleteDownload = true
		}
	} else {
		appLog.Info("content unchanged, skipping display update", "content_id", desc.ContentID)
		r.client.ReportLog(ctx, "content unchanged, skipping update to save power", "INFO")
	}
	r.client.ReportStatus(ctx, r.status(status, st, &wc))

	r.maybeUpdateFirmware(ctx, reading)

	res := r.finish(st, &wc, status, inputs)
	r.client.ReportLog(ctx, fmt.Sprintf("entering deep sleep for %s", res.Sleep), "INFO")
	r.client.ReportStatus(ctx, r.status(StatusSleeping, st, &wc))
	return res
}

// render downloads and displays the new content, returning the status to
// report. The retained content id advances only when both the download and
// the panel push succeeded.
func (r *Runner) render(ctx context.Context, st *retention.State, wc *wakeContext, desc api.Descriptor) string {
	r.client.ReportLog(ctx, "downloading new content", "INFO")

	body, declared, err := r.client.OpenImage(ctx)
	if err != nil {
		appLog.Error("image fetch failed", err)
		wc.outcome = OutcomeIncompleteDownload
		r.client.ReportLog(ctx, "image download failed, keeping previous content", "ERROR")
		return StatusDownloadFailed
	}
	defer body.Close()

	buf, err := r.decoder.Decode(ctx, body, declared, r.probe)
	if err != nil {
		switch err {
		case frame.ErrBufferBusy:
			wc.outcome = OutcomeAllocFailure
			r.client.ReportLog(ctx, "framebuffer allocation failed", "ERROR")
		default:
			wc.outcome = OutcomeIncompleteDownload
			r.client.ReportLog(ctx, "incomplete download, keeping previous content", "ERROR")
		}
		return StatusDownloadFailed
	}
	defer buf.Release()

	// The panel powers up only after the payload fully arrived, so a dead
	// download never costs a 30s panel clear.
	if err := r.pushToPanel(ctx, buf); err != nil {
		appLog.Error("panel refresh failed", err)
		r.client.ReportLog(ctx, "panel refresh failed", "ERROR")
		return StatusRenderFailed
	}

	wc.outcome = OutcomeSuccess
	st.LastContentID = desc.ContentID
	appLog.Info("display updated", "content_id", desc.ContentID)
	r.client.ReportLog(ctx, "content displayed", "INFO")
	return StatusUpdated
}

func (r *Runner) pushToPanel(ctx context.Context, buf *frame.Buffer) error {
	if err := r.panel.Init(ctx); err != nil {
		return err
	}
	defer r.panel.Teardown()

	if err := r.panel.Clear(ctx, epd.White); err != nil {
		return err
	}
	if err := r.panel.Push(ctx, buf.Bytes()); err != nil {
		return err
	}
	return r.panel.Sleep()
}

// maybeUpdateFirmware stages a newer firmware image when the backend offers
// one, strictly behind the battery safety gate: an update that browns out
// mid-flash is a bricked frame.
func (r *Runner) maybeUpdateFirmware(ctx context.Context, reading power.Reading) {
	if !r.cfg.OTA.Enabled {
		return
	}
	if !r.monitor.UpdateSafe(reading) {
		appLog.Info("firmware check skipped, battery below charge-safe threshold",
			"voltage", reading.Voltage)
		return
	}

	offered, err := r.client.FirmwareVersion(ctx)
	if err != nil {
		appLog.Warn("firmware version check failed", "err", err)
		return
	}
	if offered == "" || offered == r.firmware {
		return
	}

	appLog.Info("newer firmware offered, staging download", "current", r.firmware, "offered", offered)
	if err := r.client.DownloadFirmware(ctx, r.cfg.OTA.DownloadPath); err != nil {
		appLog.Error("firmware download failed", err)
		return
	}
	r.client.ReportLog(ctx, "firmware "+offered+" staged for update", "INFO")
}

// finish computes the sleep duration, persists retention state, and seals
// the result. Retention save failures are logged and absorbed: worst case
// the next wake re-renders content it already showed.
func (r *Runner) finish(st retention.State, wc *wakeContext, status string, in schedule.Inputs) Result {
	in.LowBattery = in.LowBattery || r.monitor.Critical(wc.battery)

	sleep := r.sched.Compute(in)
	if err := retention.Save(r.cfg.RetentionPath, st); err != nil {
		appLog.Error("retention save failed", err, "path", r.cfg.RetentionPath)
	}

	appLog.Info("wake cycle complete",
		"status", status,
		"sleep", sleep,
		"content_changed", wc.contentChanged,
		"network", wc.networkAvailable,
	)
	return Result{Status: status, Outcome: wc.outcome, Sleep: sleep}
}

// status assembles the telemetry document for the current pipeline state.
func (r *Runner) status(name string, st retention.State, wc *wakeContext) api.Status {
	return api.Status{
		Status:         name,
		BatteryVoltage: wc.battery.Voltage,
		BatteryPercent: wc.battery.Percent,
		IsCharging:     wc.battery.Charging,
		SignalStrength: wc.signal,
		BootCount:      st.WakeCount,
	}
}
