// Package config loads runtime configuration for the relay and the calling
// client from environment variables, with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CALLKIT_RELAY_LISTEN_ADDR"
	envVarRelayURL        = "CALLKIT_RELAY_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CALLKIT_LOG_FORMAT"
	envVarLogLevel        = "CALLKIT_LOG_LEVEL"
	envVarMode            = "CALLKIT_MODE"
	envVarShutdownTimeout = "CALLKIT_SHUTDOWN_TIMEOUT"

	// Call lifecycle knobs.
	envVarRingTimeout = "CALLKIT_RING_TIMEOUT"

	// WebSocket signaling hardening.
	envVarWSIdleTimeout     = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval    = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes   = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSec = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// ICE configuration for client PeerConnections.
	envVarICEDisconnectedTimeout = "WEBRTC_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout       = "WEBRTC_ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval   = "WEBRTC_ICE_KEEPALIVE_INTERVAL"
	envVarUDPPortRange           = "WEBRTC_UDP_PORT_RANGE"

	// coturn TURN REST (ephemeral) credentials served by the relay's /webrtc/ice.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultRelayURL             = "ws://127.0.0.1:8080/ws"
	DefaultShutdown             = 15 * time.Second
	DefaultRingTimeout          = 30 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50

	// Generous ICE timeouts so a brief NAT/relay hiccup doesn't immediately
	// terminate a call; pion's 5s disconnectedTimeout default is far too short
	// for relay paths with short outages.
	DefaultICEDisconnectedTimeout = 30 * time.Second
	DefaultICEFailedTimeout       = 120 * time.Second
	DefaultICEKeepaliveInterval   = 2 * time.Second

	DefaultTURNRESTTTLSeconds     = 600
	DefaultTURNRESTUsernamePrefix = "callkit"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	RelayURL        string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	Mode            Mode
	ShutdownTimeout time.Duration

	// RingTimeout bounds how long an outgoing call waits for an answer and how
	// long an incoming invitation rings before self-cancelling.
	RingTimeout time.Duration

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEServers []webrtc.ICEServer

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	TurnREST TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a deferred ICE configuration problem. Startup
// succeeds without ICE servers; readiness and /webrtc/ice surface the error
// instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConnectionICEServers returns a copy of the configured ICE server list.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(c.ICEServers))
	copy(out, c.ICEServers)
	return out
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, ok := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !ok || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	envLogLevel, ok := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !ok || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("callkit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listenAddr := fs.String("listen", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "relay listen address")
	relayURL := fs.String("relay", envOrDefault(lookup, envVarRelayURL, DefaultRelayURL), "relay websocket url")
	modeStr := fs.String("mode", modeDefault, "dev or prod")
	logFormatStr := fs.String("log-format", logFormatDefault, "text or json")
	logLevelStr := fs.String("log-level", logLevelDefault, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	if ringTimeout <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be > 0", envVarRingTimeout)
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSec, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	iceDisconnected, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, DefaultICEDisconnectedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceFailed, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, DefaultICEFailedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceKeepalive, err := envDurationOrDefault(lookup, envVarICEKeepaliveInterval, DefaultICEKeepaliveInterval)
	if err != nil {
		return Config{}, err
	}

	portRange, err := parseUDPPortRange(envOrDefault(lookup, envVarUDPPortRange, ""))
	if err != nil {
		return Config{}, err
	}

	turnRESTTTL := int64(DefaultTURNRESTTTLSeconds)
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTL = n
	}

	cfg := Config{
		ListenAddr:      *listenAddr,
		RelayURL:        *relayURL,
		AllowedOrigins:  splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		Mode:            mode,
		ShutdownTimeout: shutdownTimeout,

		RingTimeout: ringTimeout,

		SignalingWSIdleTimeout:  wsIdleTimeout,
		SignalingWSPingInterval: wsPingInterval,

		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,

		ICEDisconnectedTimeout: iceDisconnected,
		ICEFailedTimeout:       iceFailed,
		ICEKeepaliveInterval:   iceKeepalive,
		WebRTCUDPPortRange:     portRange,

		TurnREST: TurnRESTConfig{
			SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:     turnRESTTTL,
			UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			Realm:          envOrDefault(lookup, envVarTURNRESTRealm, ""),
		},
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envVarICEServersJSON, ""),
		envOrDefault(lookup, envVarStunURLs, ""),
		envOrDefault(lookup, envVarTurnURLs, ""),
		envOrDefault(lookup, envVarTurnUsername, ""),
		envOrDefault(lookup, envVarTurnCredential, ""),
	)
	if err != nil {
		// Deferred: the relay still starts so /healthz works in a broken
		// deployment, but readiness and /webrtc/ice report the problem.
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseUDPPortRange(raw string) (*UDPPortRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	minStr, maxStr, found := strings.Cut(raw, "-")
	if !found {
		return nil, fmt.Errorf("invalid %s %q (expected min-max)", envVarUDPPortRange, raw)
	}
	minPort, err := strconv.ParseUint(strings.TrimSpace(minStr), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envVarUDPPortRange, raw, err)
	}
	maxPort, err := strconv.ParseUint(strings.TrimSpace(maxStr), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envVarUDPPortRange, raw, err)
	}
	if minPort == 0 || maxPort < minPort {
		return nil, fmt.Errorf("invalid %s %q: empty range", envVarUDPPortRange, raw)
	}
	return &UDPPortRange{Min: uint16(minPort), Max: uint16(maxPort)}, nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
