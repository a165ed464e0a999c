package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

type appConfig struct {
	link            string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	listenAddr      string
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	canIfs          []string
	canTxSlots      int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	flushOnConnect  bool
	idleSleep       time.Duration
	imuAccelDir     string
	imuGyroDir      string
	imuPeriod       time.Duration
	imuSettle       time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	link := flag.String("link", "serial", "Host link backend: serial|tcp")
	serialDev := flag.String("serial", "/dev/ttyGS0", "Serial device carrying the host link (USB CDC gadget or UART)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	listen := flag.String("listen", ":20100", "TCP listen address (when --link=tcp)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Host handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Host connection read deadline")
	canIf := flag.String("can-if", "can0", "Comma separated SocketCAN interfaces, one per controller (1..3)")
	canTxSlots := flag.Int("can-tx-slots", 3, "Transmit slots per CAN controller")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the TCP link via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default derived from the machine id)")
	flushOnConnect := flag.Bool("flush-downlink-on-connect", false, "Discard queued CAN transmit frames when the host connects")
	idleSleep := flag.Duration("idle-sleep", 100*time.Microsecond, "Main loop pause after an idle iteration (0 spins)")
	imuAccel := flag.String("imu-accel-iio", "", "IIO device directory of the accelerometer; empty disables")
	imuGyro := flag.String("imu-gyro-iio", "", "IIO device directory of the gyroscope; empty disables")
	imuPeriod := flag.Duration("imu-period", 10*time.Millisecond, "IMU sampling period")
	imuSettle := flag.Duration("imu-settle", 0, "Delay before the first IMU sample")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.link = *link
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.listenAddr = *listen
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.canIfs = splitList(*canIf)
	cfg.canTxSlots = *canTxSlots
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.flushOnConnect = *flushOnConnect
	cfg.idleSleep = *idleSleep
	cfg.imuAccelDir = *imuAccel
	cfg.imuGyroDir = *imuGyro
	cfg.imuPeriod = *imuPeriod
	cfg.imuSettle = *imuSettle

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

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
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
	switch c.link {
	case "serial", "tcp":
	default:
		return fmt.Errorf("invalid link: %s", c.link)
	}
	if n := len(c.canIfs); n < 1 || n > wire.CANChannels {
		return fmt.Errorf("can-if must name 1..%d interfaces (got %d)", wire.CANChannels, n)
	}
	if c.canTxSlots <= 0 {
		return fmt.Errorf("can-tx-slots must be > 0 (got %d)", c.canTxSlots)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.idleSleep < 0 {
		return fmt.Errorf("idle-sleep must be >= 0")
	}
	if (c.imuAccelDir != "" || c.imuGyroDir != "") && c.imuPeriod <= 0 {
		return fmt.Errorf("imu-period must be > 0")
	}
	if c.imuSettle < 0 {
		return fmt.Errorf("imu-settle must be >= 0")
	}
	if c.mdnsEnable && c.link != "tcp" {
		return fmt.Errorf("mdns-enable requires --link=tcp")
	}
	return nil
}

// applyEnvOverrides maps USBCAN_GW_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, env string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(env)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, env string, dst *string) {
		if v, ok := get(flagName, env); ok {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int) {
		if v, ok := get(flagName, env); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if v, ok := get(flagName, env); ok {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if v, ok := get(flagName, env); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %q", env, v)
				}
			}
		}
	}

	str("link", "USBCAN_GW_LINK", &c.link)
	str("serial", "USBCAN_GW_SERIAL", &c.serialDev)
	num("baud", "USBCAN_GW_BAUD", &c.baud)
	dur("serial-read-timeout", "USBCAN_GW_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("listen", "USBCAN_GW_LISTEN", &c.listenAddr)
	dur("handshake-timeout", "USBCAN_GW_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "USBCAN_GW_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	if v, ok := get("can-if", "USBCAN_GW_CAN_IF"); ok {
		c.canIfs = splitList(v)
	}
	num("can-tx-slots", "USBCAN_GW_CAN_TX_SLOTS", &c.canTxSlots)
	str("log-format", "USBCAN_GW_LOG_FORMAT", &c.logFormat)
	str("log-level", "USBCAN_GW_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "USBCAN_GW_METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "USBCAN_GW_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "USBCAN_GW_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "USBCAN_GW_MDNS_NAME", &c.mdnsName)
	boolean("flush-downlink-on-connect", "USBCAN_GW_FLUSH_DOWNLINK_ON_CONNECT", &c.flushOnConnect)
	dur("idle-sleep", "USBCAN_GW_IDLE_SLEEP", &c.idleSleep)
	str("imu-accel-iio", "USBCAN_GW_IMU_ACCEL_IIO", &c.imuAccelDir)
	str("imu-gyro-iio", "USBCAN_GW_IMU_GYRO_IIO", &c.imuGyroDir)
	dur("imu-period", "USBCAN_GW_IMU_PERIOD", &c.imuPeriod)
	dur("imu-settle", "USBCAN_GW_IMU_SETTLE", &c.imuSettle)
	return firstErr
}
