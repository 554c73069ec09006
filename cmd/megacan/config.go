package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kstaniek/go-megacan/internal/hub"
	"github.com/kstaniek/go-megacan/internal/msproto"
)

const envPrefix = "MEGACAN_"

type appConfig struct {
	backend      string
	canIf        string
	kernelFilter bool
	serialDev    string
	baud         int
	serialReadTO time.Duration

	listenAddr   string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string

	profile      string
	flashFile    string
	msqID        int
	pollInterval time.Duration

	mqttURL      string
	mqttInterval time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	showVersion bool
}

func newFlagSet(c *appConfig) *flag.FlagSet {
	fs := flag.NewFlagSet("megacan", flag.ContinueOnError)
	fs.StringVar(&c.backend, "backend", "socketcan", "CAN backend: socketcan|serial|tcp (tcp runs a virtual bus on the listener)")
	fs.StringVar(&c.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.BoolVar(&c.kernelFilter, "kernel-filter", false, "Install SocketCAN filters for this device only (peers then see less traffic)")
	fs.StringVar(&c.serialDev, "serial", "/dev/ttyUSB0", "UART gateway device path")
	fs.IntVar(&c.baud, "baud", 115200, "UART gateway baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "UART read timeout")

	fs.StringVar(&c.listenAddr, "listen", ":20000", "Cannelloni TCP listen address")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous TCP peers (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Peer handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.IntVar(&c.hubBuffer, "hub-buffer", 512, "Per-peer hub buffer (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")

	fs.StringVar(&c.profile, "profile", "", "Device profile (.yaml or .toml); empty uses the built-in profile")
	fs.StringVar(&c.flashFile, "flash-file", "", "Flash image path (overrides the profile)")
	fs.IntVar(&c.msqID, "msq-id", -1, "Device id 0..15 (-1 keeps the profile id)")
	fs.DurationVar(&c.pollInterval, "poll-interval", 10*time.Millisecond, "Engine poll period when no frame arrives")

	fs.StringVar(&c.mqttURL, "mqtt-url", "", "MQTT broker URL for realtime telemetry (e.g. mqtt://host:1883/megacan/); empty disables")
	fs.DurationVar(&c.mqttInterval, "mqtt-interval", 200*time.Millisecond, "Minimum period between engine telemetry messages")

	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default megacan-<hostname>)")
	fs.BoolVar(&c.showVersion, "version", false, "Print version and exit")
	return fs
}

// envName maps a flag name to its environment variable: log-level becomes
// MEGACAN_LOG_LEVEL.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// parseConfig parses args, then fills every flag not given on the command
// line from its MEGACAN_* variable, then validates.
func parseConfig(args []string, lookup func(string) (string, bool), errOut io.Writer) (*appConfig, error) {
	cfg := &appConfig{}
	fs := newFlagSet(cfg)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(fs, set, lookup); err != nil {
		return nil, err
	}
	if cfg.showVersion {
		return cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides sets flags from the environment unless they were given
// explicitly. Empty values are ignored; booleans also accept yes/no/on/off.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		key := envName(f.Name)
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if b, isBool := f.Value.(interface{ IsBoolFlag() bool }); isBool && b.IsBoolFlag() {
			switch strings.ToLower(v) {
			case "yes", "on":
				v = "true"
			case "no", "off":
				v = "false"
			}
		}
		if err := fs.Set(f.Name, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	})
	return firstErr
}

// validate checks values and ranges. It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case backendSerial, backendSocketCAN, backendTCP:
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	if c.msqID < -1 || c.msqID > msproto.MaxID {
		return fmt.Errorf("msq-id must be -1..%d (got %d)", msproto.MaxID, c.msqID)
	}
	if c.pollInterval <= 0 {
		return errors.New("poll-interval must be > 0")
	}
	if c.mqttURL != "" && c.mqttInterval <= 0 {
		return errors.New("mqtt-interval must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}
