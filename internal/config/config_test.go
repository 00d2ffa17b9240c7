package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.RingTimeout != DefaultRingTimeout {
		t.Errorf("RingTimeout = %v, want %v", cfg.RingTimeout, DefaultRingTimeout)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode = %q, want dev", cfg.Mode)
	}
	// Dev mode defaults to readable text logs at debug level.
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxMessageBytes {
		t.Errorf("MaxSignalingMessageBytes = %d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.ICEConfigError() != nil {
		t.Errorf("ICEConfigError = %v, want nil", cfg.ICEConfigError())
	}
	if cfg.TurnREST.Enabled() {
		t.Errorf("TurnREST enabled without shared secret")
	}
}

func TestLoad_ProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{envVarMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		envVarListenAddr: "127.0.0.1:9999",
		envVarLogLevel:   "error",
	}
	cfg, err := load(lookupFromMap(env), []string{"-listen", "0.0.0.0:7000", "-log-level", "warn"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Errorf("ListenAddr = %q, want flag value", cfg.ListenAddr)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
}

func TestLoad_Durations(t *testing.T) {
	env := map[string]string{
		envVarRingTimeout:   "12s",
		envVarWSIdleTimeout: "90s",
	}
	cfg, err := load(lookupFromMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RingTimeout != 12*time.Second {
		t.Errorf("RingTimeout = %v, want 12s", cfg.RingTimeout)
	}
	if cfg.SignalingWSIdleTimeout != 90*time.Second {
		t.Errorf("SignalingWSIdleTimeout = %v, want 90s", cfg.SignalingWSIdleTimeout)
	}
}

func TestLoad_InvalidRingTimeout(t *testing.T) {
	for _, raw := range []string{"nonsense", "-1s", "0"} {
		_, err := load(lookupFromMap(map[string]string{envVarRingTimeout: raw}), nil)
		if err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestLoad_UDPPortRange(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{envVarUDPPortRange: "50000-50100"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WebRTCUDPPortRange == nil || cfg.WebRTCUDPPortRange.Min != 50000 || cfg.WebRTCUDPPortRange.Max != 50100 {
		t.Errorf("WebRTCUDPPortRange = %+v, want 50000-50100", cfg.WebRTCUDPPortRange)
	}

	for _, raw := range []string{"50000", "0-100", "200-100", "a-b"} {
		if _, err := load(lookupFromMap(map[string]string{envVarUDPPortRange: raw}), nil); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestLoad_ICEConfigErrorIsDeferred(t *testing.T) {
	env := map[string]string{
		// TURN urls without credentials are invalid.
		envVarTurnURLs: "turn:turn.example.com:3478",
	}
	cfg, err := load(lookupFromMap(env), nil)
	if err != nil {
		t.Fatalf("load should not fail on ICE config problems: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected deferred ICE config error")
	}
	if len(cfg.ICEServers) != 0 {
		t.Errorf("ICEServers = %v, want empty", cfg.ICEServers)
	}
}

func TestLoad_ConvenienceICEEnv(t *testing.T) {
	env := map[string]string{
		envVarStunURLs:       "stun:stun.example.com:3478, stun:stun2.example.com:3478",
		envVarTurnURLs:       "turn:turn.example.com:3478",
		envVarTurnUsername:   "user",
		envVarTurnCredential: "pass",
	}
	cfg, err := load(lookupFromMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("ICEConfigError = %v", cfg.ICEConfigError())
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("got %d ICE servers, want 2", len(cfg.ICEServers))
	}
	if len(cfg.ICEServers[0].URLs) != 2 {
		t.Errorf("stun server URLs = %v, want 2 entries", cfg.ICEServers[0].URLs)
	}
	if cfg.ICEServers[1].Username != "user" {
		t.Errorf("turn username = %q", cfg.ICEServers[1].Username)
	}
}
