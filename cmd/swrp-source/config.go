package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	transport   string
	tcpAddr     string
	serialDev   string
	serialBaud  int
	serialReadTO time.Duration

	width      int
	height     int
	fps        int
	bitrateBps int

	maxWidth  int
	maxHeight int
	maxFPS    int
	hiDPI     bool

	handshakeTO     time.Duration
	softwareVersion int
	previewRateHz   float64

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	transport := flag.String("transport", "tcp", "Link transport: tcp|serial|mock")
	tcpAddr := flag.String("tcp-addr", "127.0.0.1:7777", "Sink address to dial (when --transport=tcp)")
	serialDev := flag.String("serial-dev", "/dev/ttyUSB0", "Serial device path (when --transport=serial)")
	serialBaud := flag.Int("serial-baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")

	width := flag.Int("width", 1920, "Capture width")
	height := flag.Int("height", 1080, "Capture height")
	fps := flag.Int("fps", 60, "Capture frame rate")
	bitrateBps := flag.Int("bitrate", 20_000_000, "Target encoder bitrate, bits/second")

	maxWidth := flag.Int("max-width", 3840, "Advertised maximum width")
	maxHeight := flag.Int("max-height", 2160, "Advertised maximum height")
	maxFPS := flag.Int("max-fps", 120, "Advertised maximum frame rate")
	hiDPI := flag.Bool("hidpi", false, "Advertise the HiDPI capability bit")

	handshakeTO := flag.Duration("handshake-timeout", 5*time.Second, "HELLO/START round-trip timeout")
	softwareVersion := flag.Int("software-version", 1, "HELLO software_version field")
	previewRateHz := flag.Float64("preview-rate", 2.0, "Preview-observer dispatch rate, Hz")

	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.transport = *transport
	cfg.tcpAddr = *tcpAddr
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.serialReadTO = *serialReadTO
	cfg.width = *width
	cfg.height = *height
	cfg.fps = *fps
	cfg.bitrateBps = *bitrateBps
	cfg.maxWidth = *maxWidth
	cfg.maxHeight = *maxHeight
	cfg.maxFPS = *maxFPS
	cfg.hiDPI = *hiDPI
	cfg.handshakeTO = *handshakeTO
	cfg.softwareVersion = *softwareVersion
	cfg.previewRateHz = *previewRateHz
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not dial or open devices, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.transport {
	case "tcp", "serial", "mock":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
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
	if c.width <= 0 || c.height <= 0 {
		return fmt.Errorf("width/height must be > 0")
	}
	if c.fps <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if c.bitrateBps <= 0 {
		return fmt.Errorf("bitrate must be > 0")
	}
	if c.maxWidth <= 0 || c.maxHeight <= 0 || c.maxFPS <= 0 {
		return fmt.Errorf("max-width/max-height/max-fps must be > 0")
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.previewRateHz <= 0 {
		return fmt.Errorf("preview-rate must be > 0")
	}
	return nil
}

// applyEnvOverrides maps SWRP_SOURCE_* environment variables to config
// fields unless a corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	intv := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	durv := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolv := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	floatv := func(flagName, env string, dst *float64) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				*dst = f
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}

	str("transport", "SWRP_SOURCE_TRANSPORT", &c.transport)
	str("tcp-addr", "SWRP_SOURCE_TCP_ADDR", &c.tcpAddr)
	str("serial-dev", "SWRP_SOURCE_SERIAL_DEV", &c.serialDev)
	intv("serial-baud", "SWRP_SOURCE_SERIAL_BAUD", &c.serialBaud)
	durv("serial-read-timeout", "SWRP_SOURCE_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	intv("width", "SWRP_SOURCE_WIDTH", &c.width)
	intv("height", "SWRP_SOURCE_HEIGHT", &c.height)
	intv("fps", "SWRP_SOURCE_FPS", &c.fps)
	intv("bitrate", "SWRP_SOURCE_BITRATE", &c.bitrateBps)
	intv("max-width", "SWRP_SOURCE_MAX_WIDTH", &c.maxWidth)
	intv("max-height", "SWRP_SOURCE_MAX_HEIGHT", &c.maxHeight)
	intv("max-fps", "SWRP_SOURCE_MAX_FPS", &c.maxFPS)
	boolv("hidpi", "SWRP_SOURCE_HIDPI", &c.hiDPI)
	durv("handshake-timeout", "SWRP_SOURCE_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	intv("software-version", "SWRP_SOURCE_SOFTWARE_VERSION", &c.softwareVersion)
	floatv("preview-rate", "SWRP_SOURCE_PREVIEW_RATE", &c.previewRateHz)
	str("log-format", "SWRP_SOURCE_LOG_FORMAT", &c.logFormat)
	str("log-level", "SWRP_SOURCE_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "SWRP_SOURCE_METRICS", &c.metricsAddr)
	durv("log-metrics-interval", "SWRP_SOURCE_LOG_METRICS_INTERVAL", &c.logMetricsEvery)

	return firstErr
}
