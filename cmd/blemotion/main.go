package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/blemotion/internal/ble"
	"github.com/chaz8081/blemotion/internal/ble/sim"
	"github.com/chaz8081/blemotion/internal/config"
	"github.com/chaz8081/blemotion/internal/report"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blemotion/config.yaml)")
	device := flag.String("device", "", "address or name of the peripheral to connect to (overrides config)")
	simulate := flag.Bool("simulate", false, "use a simulated peripheral instead of the radio")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *device != "" {
		if looksLikeAddress(*device) {
			cfg.Device = config.DeviceConfig{Address: *device}
		} else {
			cfg.Device = config.DeviceConfig{Name: *device}
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	setLogLevel(cfg.LogLevel)
	printBanner(cfg, *simulate)

	var adapter ble.Adapter
	if *simulate {
		adapter = sim.New(sim.Options{})
	} else {
		adapter = ble.NewTinyGoAdapter()
	}

	var sink report.Sink
	var rec *report.Recorder
	if cfg.Record.Path != "" {
		rec, err = report.OpenRecorder(cfg.Record.Path)
		if err != nil {
			log.Fatalf("Failed to open record file: %v", err)
		}
		defer rec.Close()
		sink = rec
		log.Printf("Recording readings to %s", cfg.Record.Path)
	}
	printer := report.NewPrinter(os.Stdout, sink)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, found, err := scanForTarget(ctx, adapter, cfg)
	if err != nil {
		log.Fatalf("Scan failed: %v\n\nEnsure Bluetooth is enabled and this terminal has Bluetooth permission.", err)
	}
	if !cfg.HasTarget() {
		printDiscovered(found)
		return
	}
	if target == nil {
		log.Fatalf("Peripheral %s not found within %s", cfg.Device.Target(), cfg.Scan.Timeout)
	}

	coord := ble.NewCoordinator(adapter, cfg.Grants(), printer, cfg.SessionOptions())
	session, err := coord.Connect(*target)
	if err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	log.Printf("Connecting to %s (session %s). Ctrl+C to quit.", target, session.ID())

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case <-session.Done():
		log.Println("Session ended")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := coord.Close(closeCtx); err != nil {
		log.Printf("ERROR: disconnect did not finish: %v", err)
	}

	printer.Summary(os.Stdout)
	log.Println("Goodbye!")
}

// scanForTarget scans until the configured device is seen or the scan
// timeout passes. Without a configured device it scans for the full
// timeout and returns everything discovered. A transport failure that
// ends the scan early is returned as the error.
func scanForTarget(ctx context.Context, adapter ble.Adapter, cfg *config.Config) (*ble.Peripheral, []ble.Peripheral, error) {
	scanner := ble.NewScanner(adapter, cfg.Grants(), ble.ScanOptions{NamePrefix: cfg.Scan.NamePrefix})

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Scan.Timeout)
	defer cancel()

	found, err := scanner.Start(scanCtx)
	if err != nil {
		return nil, nil, err
	}
	defer scanner.Stop()

	log.Printf("Scanning for %s...", cfg.Scan.Timeout)
	for p := range found {
		if cfg.Device.Matches(p) {
			return &p, scanner.Discovered(), nil
		}
		if !cfg.HasTarget() {
			log.Printf("Found %s", p)
		}
	}
	return nil, scanner.Discovered(), scanner.Err()
}

func printDiscovered(found []ble.Peripheral) {
	if len(found) == 0 {
		fmt.Println("No peripherals found")
		return
	}
	fmt.Printf("%-20s %-24s %s\n", "ADDRESS", "NAME", "RSSI")
	for _, p := range found {
		fmt.Printf("%-20s %-24s %d\n", p.Address, p.DisplayName(), p.RSSI)
	}
}

// looksLikeAddress reports whether s is a MAC address or a CoreBluetooth UUID
// rather than an advertised name.
func looksLikeAddress(s string) bool {
	return strings.Count(s, ":") == 5 || strings.Count(s, "-") == 4
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, simulate bool) {
	transport := "radio"
	if simulate {
		transport = "simulated"
	}
	target := cfg.Device.Target()
	if target == "" {
		target = "(list only)"
	}
	fmt.Println("=== blemotion ===")
	fmt.Printf("  Transport: %s\n", transport)
	fmt.Printf("  Device:    %s\n", target)
	fmt.Printf("  Scan:      %s\n", cfg.Scan.Timeout)
	fmt.Printf("  Session:   connect %s, discovery %s, %d subscribe attempts\n",
		cfg.Session.ConnectTimeout, cfg.Session.DiscoveryTimeout, cfg.Session.SubscribeAttempts)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
