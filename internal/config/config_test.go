package config

import (
	"errors"
	"flag"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	require.NoError(t, err)

	require.Equal(t, ModeDev, cfg.Mode)
	require.Equal(t, LogFormatText, cfg.LogFormat)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	require.Empty(t, cfg.ServerAddr)
	require.Empty(t, cfg.AllowedOrigins)
	require.Equal(t, 3*time.Second, cfg.AnswerTimeout)
	require.Equal(t, 10*time.Minute, cfg.SessionMaxLifetime)
	require.Equal(t, 50*time.Millisecond, cfg.OfferSettleDelay)
	require.False(t, cfg.ValidateOffers)
	require.False(t, cfg.CloseOnCallerDisconnect)
	require.Zero(t, cfg.MaxSessions)
	require.Equal(t, DefaultDialTimeout, cfg.DialTimeout)
	require.Equal(t, DefaultReconnectMinBackoff, cfg.ReconnectMinBackoff)
	require.Equal(t, DefaultReconnectMaxBackoff, cfg.ReconnectMaxBackoff)
	require.Equal(t, DefaultDirectoryTimeout, cfg.DirectoryTimeout)
	require.Equal(t, DefaultSignalingWSIdleTimeout, cfg.SignalingWSIdleTimeout)
	require.Equal(t, DefaultSignalingWSPingInterval, cfg.SignalingWSPingInterval)
	require.Equal(t, DefaultMaxSignalingMessageBytes, cfg.MaxSignalingMessageBytes)
	require.Equal(t, DefaultMaxSignalingMessagesPerSecond, cfg.MaxSignalingMessagesPerSecond)
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	require.NoError(t, err)
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, LogFormatJSON, cfg.LogFormat)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestDefaultsProdFromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarMode: "production"}), nil)
	require.NoError(t, err)
	require.Equal(t, ModeProd, cfg.Mode)
	require.Equal(t, LogFormatJSON, cfg.LogFormat)
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarServerURL:                "go2rtc:1984",
		envVarAllowedOrigins:           "https://UI.example.com, http://localhost:5173",
		envVarAnswerTimeout:            "5s",
		envVarSessionMaxLifetime:       "1m",
		envVarOfferSettleDelay:         "0s",
		envVarValidateOffers:           "true",
		envVarCloseOnCallerDisconnect:  "true",
		envVarMaxSessions:              "8",
		envVarMaxSignalingMessageBytes: "1024",
	}), nil)
	require.NoError(t, err)

	require.Equal(t, "go2rtc:1984", cfg.ServerAddr)
	require.Equal(t, []string{"https://ui.example.com", "http://localhost:5173"}, cfg.AllowedOrigins)
	require.Equal(t, 5*time.Second, cfg.AnswerTimeout)
	require.Equal(t, time.Minute, cfg.SessionMaxLifetime)
	require.Zero(t, cfg.OfferSettleDelay)
	require.True(t, cfg.ValidateOffers)
	require.True(t, cfg.CloseOnCallerDisconnect)
	require.Equal(t, 8, cfg.MaxSessions)
	require.Equal(t, int64(1024), cfg.MaxSignalingMessageBytes)
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarServerURL:     "env-host:1984",
		envVarAnswerTimeout: "5s",
	}), []string{"--server-url", "flag-host:1985", "--answer-timeout", "2s", "--max-sessions", "3"})
	require.NoError(t, err)
	require.Equal(t, "flag-host:1985", cfg.ServerAddr)
	require.Equal(t, 2*time.Second, cfg.AnswerTimeout)
	require.Equal(t, 3, cfg.MaxSessions)
}

func TestNormalizeServerAddr(t *testing.T) {
	valid := map[string]string{
		"go2rtc:1984":            "go2rtc:1984",
		"  192.168.1.5:1984  ":   "192.168.1.5:1984",
		"http://go2rtc:1984":     "go2rtc:1984",
		"ws://media_box-1:1984/": "media_box-1:1984",
		"":                       "",
	}
	for in, want := range valid {
		got, err := NormalizeServerAddr(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"go2rtc", "go2rtc:", "go2rtc:port", "https://go2rtc:1984", "go2rtc:1984/api", "a b:1", "[::1]:1984"} {
		_, err := NormalizeServerAddr(in)
		require.ErrorIs(t, err, ErrInvalidServerAddr, in)
	}
}

func TestInvalidServerURLFailsLoad(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarServerURL: "not a host"}), nil)
	require.ErrorIs(t, err, ErrInvalidServerAddr)
}

func TestInvalidValues(t *testing.T) {
	cases := map[string][]string{
		"mode":           {"--mode", "staging"},
		"log format":     {"--log-format", "xml"},
		"log level":      {"--log-level", "loud"},
		"answer timeout": {"--answer-timeout", "0s"},
		"lifetime":       {"--session-max-lifetime", "-1s"},
		"settle":         {"--offer-settle-delay", "-1ms"},
		"backoff order":  {"--reconnect-min-backoff", "10s", "--reconnect-max-backoff", "1s"},
		"message bytes":  {"--max-signaling-message-bytes", "0"},
		"message rate":   {"--max-signaling-messages-per-second", "0"},
		"bad origin":     {"--allowed-origins", "example.com"},
		"positional":     {"extra"},
		"unknown flag":   {"--nope"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(noEnv, args)
			require.Error(t, err)
		})
	}

	_, err := load(lookupMap(map[string]string{envVarAnswerTimeout: "soon"}), nil)
	require.Error(t, err)
	_, err = load(lookupMap(map[string]string{envVarValidateOffers: "maybe"}), nil)
	require.Error(t, err)
	_, err = load(lookupMap(map[string]string{envVarMaxSessions: "many"}), nil)
	require.Error(t, err)
}

func TestHelpReturnsErrHelp(t *testing.T) {
	_, err := load(noEnv, []string{"--help"})
	require.True(t, errors.Is(err, flag.ErrHelp))
}

func TestWildcardOriginKept(t *testing.T) {
	cfg, err := load(noEnv, []string{"--allowed-origins", "*"})
	require.NoError(t, err)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestNewLogger(t *testing.T) {
	for _, f := range []LogFormat{LogFormatText, LogFormatJSON} {
		l, err := NewLogger(Config{LogFormat: f, LogLevel: slog.LevelInfo})
		require.NoError(t, err)
		require.NotNil(t, l)
	}
	_, err := NewLogger(Config{LogFormat: "xml"})
	require.Error(t, err)
}
