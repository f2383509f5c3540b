package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/crema/internal/peripheral"
	"github.com/srg/crema/pkg/capture"
	"github.com/srg/crema/pkg/config"
	"github.com/srg/crema/pkg/fleet"
	"github.com/srg/crema/pkg/lifecycle"
	"github.com/srg/crema/pkg/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture the configured peripherals and hold them until interrupted",
	Long: `Connects to every peripheral in the config file, runs the vendor
handshakes, and keeps the links alive - reconnecting with tiered backoff when
one drops - until the process is interrupted.`,
	RunE: runRun,
}

var vendorsCmd = &cobra.Command{
	Use:   "vendors",
	Short: "List supported peripheral vendors",
	Run: func(cmd *cobra.Command, args []string) {
		for _, v := range peripheral.Vendors() {
			fmt.Println(v)
		}
	},
}

func init() {
	runCmd.Flags().StringP("config", "c", "crema.yaml", "Path to the YAML config file")
	runCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Peripherals) == 0 {
		return fmt.Errorf("no peripherals configured in %s", configPath)
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	var markers fleet.MarkerStore = fleet.NopMarkerStore{}
	if cfg.MarkerDir != "" {
		store, err := newFileMarkerStore(cfg.MarkerDir)
		if err != nil {
			return err
		}
		markers = store
	}

	manager := fleet.NewManager(markers, logger)

	for _, p := range cfg.Peripherals {
		lc, err := buildPeripheral(cfg, p, logger)
		if err != nil {
			return err
		}
		if err := manager.Add(lc); err != nil {
			return err
		}
		go printEvents(lc)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("peripherals", len(cfg.Peripherals)).Info("Capturing peripherals")
	if err := manager.CaptureAll(ctx); err != nil {
		// A missed confirmation is not fatal: the controllers keep
		// reconciling toward capture in the background.
		logger.WithError(err).Warn("Not all peripherals confirmed captured")
	}

	<-ctx.Done()
	logger.Info("Shutting down, releasing peripherals")

	releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.DisconnectTimeout.Std()+5*time.Second)
	defer cancel()
	return manager.ReleaseAll(releaseCtx)
}

func buildPeripheral(cfg *config.Config, p config.PeripheralConfig, logger *logrus.Logger) (*lifecycle.Lifecycle, error) {
	factory, err := peripheral.ForVendor(p.Vendor)
	if err != nil {
		return nil, fmt.Errorf("peripheral %q: %w", p.Role, err)
	}

	tr := transport.NewBLE(logger, nil)
	tr.SetAddress(p.Address)

	capOpts := capture.DefaultOptions()
	capOpts.ConnectTimeout = cfg.ConnectTimeout.Std()
	capOpts.DisconnectTimeout = cfg.DisconnectTimeout.Std()
	capOpts.HoldOff = cfg.HoldOff.Std()
	capOpts.Backoff = capture.BackoffConfig{
		ImmediateWindow: cfg.Backoff.ImmediateWindow.Std(),
		ShortDelay:      cfg.Backoff.ShortDelay.Std(),
		LongWindow:      cfg.Backoff.LongWindow.Std(),
		LongDelay:       cfg.Backoff.LongDelay.Std(),
	}
	capOpts.IsTransient = transport.IsTransient

	opts := lifecycle.DefaultOptions()
	opts.HoldReady = p.HoldReady
	opts.Capture = capOpts

	return lifecycle.New(p.Role, tr, factory(tr, logger), opts, logger), nil
}

var (
	readyColor   = color.New(color.FgGreen, color.Bold)
	upColor      = color.New(color.FgGreen)
	pendingColor = color.New(color.FgYellow)
	downColor    = color.New(color.FgRed)
)

func connectivityColor(c lifecycle.Connectivity) *color.Color {
	switch c {
	case lifecycle.ConnectivityReady:
		return readyColor
	case lifecycle.ConnectivityConnected:
		return upColor
	case lifecycle.ConnectivityConnecting, lifecycle.ConnectivityDisconnecting:
		return pendingColor
	default:
		return downColor
	}
}

// printEvents mirrors a peripheral's connectivity transitions to stdout.
func printEvents(lc *lifecycle.Lifecycle) {
	for ev := range lc.Events() {
		if ev.NewConnectivity == ev.PrevConnectivity {
			continue
		}
		c := connectivityColor(ev.NewConnectivity)
		fmt.Printf("%-12s %s -> %s\n",
			ev.Role,
			ev.PrevConnectivity,
			c.Sprint(ev.NewConnectivity))
	}
}
