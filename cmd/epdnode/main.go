package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"epdnode/internal/api"
	"epdnode/internal/config"
	"epdnode/internal/cycle"
	"epdnode/internal/epd"
	"epdnode/internal/frame"
	appLog "epdnode/internal/log"
	"epdnode/internal/netmgr"
	"epdnode/internal/power"
	"epdnode/internal/schedule"
	"epdnode/internal/wake"
)

const version = "1.2.0"

type flagConfig struct {
	configPath string
	loop       bool
	useCron    bool
	dryRun     bool
	verbose    bool
}

func main() {
	flags := parseFlags()
	if flags.verbose {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("epdnode starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"device_id", conf.DeviceID,
		"server", conf.ServerHost,
		"panel", conf.Panel.Width*conf.Panel.Height,
		"loop", flags.loop,
		"dry_run", flags.dryRun,
	)

	runner, err := buildRunner(conf, flags.dryRun)
	if err != nil {
		appLog.Error("failed to assemble wake cycle", err)
		os.Exit(1)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if !flags.loop {
		res := runner.Run(ctx)
		// The host's wake timer owns the actual power-down; hand it the
		// duration on stdout so a wrapper script can feed rtcwake.
		appLog.Info("cycle finished", "status", res.Status, "next_wake_in", res.Sleep)
		os.Stdout.WriteString(res.Sleep.String() + "\n")
		return
	}

	if flags.useCron {
		runCron(ctx, runner, conf.LoopCron)
	} else {
		runLoop(ctx, runner)
	}
	appLog.Info("epdnode exiting")
}

// runLoop is the resident mode for hosts without a wake timer: execute a
// cycle, sleep the duration the scheduler chose, repeat.
func runLoop(ctx context.Context, runner *cycle.Runner) {
	for {
		res := runner.Run(ctx)
		appLog.Info("cycle finished", "status", res.Status, "next_cycle_in", res.Sleep)

		select {
		case <-ctx.Done():
			return
		case <-time.After(res.Sleep):
		}
	}
}

// runCron pins cycles to the configured cron expression instead of the
// computed sleep, trading the retry and low-battery extensions for fleet
// lockstep.
func runCron(ctx context.Context, runner *cycle.Runner, spec string) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		res := runner.Run(ctx)
		appLog.Info("cycle finished", "status", res.Status)
	})
	if err != nil {
		appLog.Error("invalid loop_cron expression", err, "spec", spec)
		os.Exit(1)
	}

	appLog.Info("cron schedule active", "spec", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// buildRunner wires the cycle against real hardware, or against stand-ins
// when -dry-run keeps the SPI bus, the fuel gauge and the radio out of play.
func buildRunner(conf *config.Config, dryRun bool) (*cycle.Runner, error) {
	pool := frame.NewPool(conf.Panel.Width * conf.Panel.Height / 2)
	decoder := frame.NewDecoder(pool, frame.NewQuantizer(conf.Quantizer), conf.Panel.Width, conf.Panel.Height)
	classifier := wake.NewClassifier(conf.Wake)

	var (
		panel   epd.Panel
		sampler power.Sampler
		radio   cycle.Radio
	)
	if dryRun {
		panel = &epd.Null{}
		sampler = power.FullBatteryRaw(conf.Battery.DividerScale)
		radio = directRadio{}
	} else {
		p, err := epd.NewSPIPanel(conf.Panel.Width, conf.Panel.Height, nil)
		if err != nil {
			return nil, err
		}
		panel = p
		sampler = power.NewI2CSampler(conf.Battery)
		session, err := netmgr.NewSession(conf.Network)
		if err != nil {
			return nil, err
		}
		radio = session
	}

	return cycle.NewRunner(cycle.Options{
		Config:    conf,
		Client:    api.NewClient(conf, version),
		Radio:     radio,
		Monitor:   power.NewMonitor(sampler, conf.Battery),
		Classify:  classifier.Classify,
		Panel:     panel,
		Decoder:   decoder,
		Scheduler: schedule.New(conf.Sleep),
		Firmware:  version,
	}), nil
}

// directRadio satisfies the radio contract on hosts whose network is managed
// elsewhere (development machines, -dry-run).
type directRadio struct{}

func (directRadio) Connect(context.Context, func()) bool { return true }

func (directRadio) Teardown() {}

func (directRadio) SignalStrength() int { return 0 }

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdnode/config.yaml", "Path to config file")
	flag.BoolVar(&cfg.loop, "loop", false, "Stay resident and run cycles continuously")
	flag.BoolVar(&cfg.useCron, "cron", false, "With -loop, follow loop_cron instead of the computed sleep")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Run without panel, fuel gauge or radio hardware")
	flag.BoolVar(&cfg.verbose, "verbose", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
