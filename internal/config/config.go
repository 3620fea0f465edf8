package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/origin"
)

const (
	envVarListenAddr      = "GO2RTC_RELAY_LISTEN_ADDR"
	envVarServerURL       = "GO2RTC_SERVER_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "GO2RTC_RELAY_LOG_FORMAT"
	envVarLogLevel        = "GO2RTC_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "GO2RTC_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "GO2RTC_RELAY_MODE"

	// Relay engine knobs.
	envVarAnswerTimeout           = "ANSWER_TIMEOUT"
	envVarSessionMaxLifetime      = "SESSION_MAX_LIFETIME"
	envVarOfferSettleDelay        = "OFFER_SETTLE_DELAY"
	envVarValidateOffers          = "VALIDATE_OFFERS"
	envVarCloseOnCallerDisconnect = "CLOSE_ON_CALLER_DISCONNECT"
	envVarMaxSessions             = "MAX_SESSIONS"

	// Media server socket transport.
	envVarDialTimeout         = "DIAL_TIMEOUT"
	envVarReconnectMinBackoff = "RECONNECT_MIN_BACKOFF"
	envVarReconnectMaxBackoff = "RECONNECT_MAX_BACKOFF"
	envVarDirectoryTimeout    = "DIRECTORY_TIMEOUT"

	// Caller-facing WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultListenAddr               = "127.0.0.1:8080"
	DefaultShutdown                 = 15 * time.Second
	DefaultMode                Mode = ModeDev
	DefaultAnswerTimeout            = 3 * time.Second
	DefaultSessionMaxLifetime       = 10 * time.Minute
	DefaultOfferSettleDelay         = 50 * time.Millisecond
	DefaultDialTimeout              = 5 * time.Second
	DefaultReconnectMinBackoff      = 250 * time.Millisecond
	DefaultReconnectMaxBackoff      = 5 * time.Second
	DefaultDirectoryTimeout         = 10 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

// serverAddrPattern is the accepted shape of the media server address: the
// host with its API port and nothing else.
var serverAddrPattern = regexp.MustCompile(`^[A-Za-z\d._-]+:\d+$`)

var ErrInvalidServerAddr = errors.New("invalid server address (expected host:port, e.g. server:1984)")

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

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ServerAddr is the go2rtc API address (host:port). Empty means unset;
	// offers then fail with a configuration error.
	ServerAddr string

	AnswerTimeout           time.Duration
	SessionMaxLifetime      time.Duration
	OfferSettleDelay        time.Duration
	ValidateOffers          bool
	CloseOnCallerDisconnect bool
	// MaxSessions bounds live signaling sessions. A value <= 0 means unlimited.
	MaxSessions int

	DialTimeout         time.Duration
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	DirectoryTimeout    time.Duration

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	env := &envReader{lookup: lookup}

	modeDefault := env.str(envVarMode, string(DefaultMode))
	logFormatDefault := env.str(envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := env.str(envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := env.str(envVarListenAddr, DefaultListenAddr)
	serverURL := env.str(envVarServerURL, "")
	allowedOriginsStr := env.str(envVarAllowedOrigins, "")
	shutdownTimeout := env.duration(envVarShutdownTimeout, DefaultShutdown)

	answerTimeout := env.duration(envVarAnswerTimeout, DefaultAnswerTimeout)
	sessionMaxLifetime := env.duration(envVarSessionMaxLifetime, DefaultSessionMaxLifetime)
	offerSettleDelay := env.duration(envVarOfferSettleDelay, DefaultOfferSettleDelay)
	validateOffers := env.boolean(envVarValidateOffers, false)
	closeOnCallerDisconnect := env.boolean(envVarCloseOnCallerDisconnect, false)
	maxSessions := env.integer(envVarMaxSessions, 0)

	dialTimeout := env.duration(envVarDialTimeout, DefaultDialTimeout)
	reconnectMinBackoff := env.duration(envVarReconnectMinBackoff, DefaultReconnectMinBackoff)
	reconnectMaxBackoff := env.duration(envVarReconnectMaxBackoff, DefaultReconnectMaxBackoff)
	directoryTimeout := env.duration(envVarDirectoryTimeout, DefaultDirectoryTimeout)

	signalingWSIdleTimeout := env.duration(envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	signalingWSPingInterval := env.duration(envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	maxSignalingMessageBytes := env.int64(envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	maxSignalingMessagesPerSecond := env.integer(envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)

	if env.err != nil {
		return Config{}, env.err
	}

	fs := flag.NewFlagSet("go2rtc-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&serverURL, "server-url", serverURL, "go2rtc API address, host:port only (env "+envVarServerURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&answerTimeout, "answer-timeout", answerTimeout, "Max time to wait for the media server SDP answer (env "+envVarAnswerTimeout+")")
	fs.DurationVar(&sessionMaxLifetime, "session-max-lifetime", sessionMaxLifetime, "Force-close signaling sessions after this duration (env "+envVarSessionMaxLifetime+")")
	fs.DurationVar(&offerSettleDelay, "offer-settle-delay", offerSettleDelay, "Delay between opening the media server socket and sending the offer (env "+envVarOfferSettleDelay+")")
	fs.BoolVar(&validateOffers, "validate-offers", validateOffers, "Reject client offers that are not parseable SDP instead of forwarding them unchanged (env "+envVarValidateOffers+")")
	fs.BoolVar(&closeOnCallerDisconnect, "close-on-caller-disconnect", closeOnCallerDisconnect, "Close a caller's sessions when its WebSocket disconnects (env "+envVarCloseOnCallerDisconnect+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent signaling sessions (0 = unlimited)")

	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "Media server WebSocket dial timeout (env "+envVarDialTimeout+")")
	fs.DurationVar(&reconnectMinBackoff, "reconnect-min-backoff", reconnectMinBackoff, "Initial media server reconnect backoff (env "+envVarReconnectMinBackoff+")")
	fs.DurationVar(&reconnectMaxBackoff, "reconnect-max-backoff", reconnectMaxBackoff, "Maximum media server reconnect backoff (env "+envVarReconnectMaxBackoff+")")
	fs.DurationVar(&directoryTimeout, "directory-timeout", directoryTimeout, "HTTP timeout for producer listing requests (env "+envVarDirectoryTimeout+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close caller WebSockets idle for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Caller WebSocket keepalive ping interval (env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Maximum caller message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Maximum caller messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	serverAddr, err := NormalizeServerAddr(serverURL)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s %q: %w", envVarServerURL, "--server-url", serverURL, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	if answerTimeout <= 0 {
		return Config{}, fmt.Errorf("--answer-timeout must be > 0")
	}
	if sessionMaxLifetime <= 0 {
		return Config{}, fmt.Errorf("--session-max-lifetime must be > 0")
	}
	if offerSettleDelay < 0 {
		return Config{}, fmt.Errorf("--offer-settle-delay must be >= 0")
	}
	if dialTimeout <= 0 {
		return Config{}, fmt.Errorf("--dial-timeout must be > 0")
	}
	if reconnectMinBackoff <= 0 || reconnectMaxBackoff < reconnectMinBackoff {
		return Config{}, fmt.Errorf("reconnect backoff must satisfy 0 < min <= max (got %s..%s)", reconnectMinBackoff, reconnectMaxBackoff)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("--max-signaling-message-bytes must be > 0")
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("--max-signaling-messages-per-second must be > 0")
	}

	return Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		ServerAddr:      serverAddr,

		AnswerTimeout:           answerTimeout,
		SessionMaxLifetime:      sessionMaxLifetime,
		OfferSettleDelay:        offerSettleDelay,
		ValidateOffers:          validateOffers,
		CloseOnCallerDisconnect: closeOnCallerDisconnect,
		MaxSessions:             maxSessions,

		DialTimeout:         dialTimeout,
		ReconnectMinBackoff: reconnectMinBackoff,
		ReconnectMaxBackoff: reconnectMaxBackoff,
		DirectoryTimeout:    directoryTimeout,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
	}, nil
}

// NormalizeServerAddr validates the configured media server address and
// returns it as host:port. A leading http:// or ws:// is tolerated and
// stripped. The empty string is returned unchanged (unset).
func NormalizeServerAddr(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", nil
	}
	for _, prefix := range []string{"http://", "ws://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	addr = strings.TrimSuffix(addr, "/")
	if !serverAddrPattern.MatchString(addr) {
		return "", ErrInvalidServerAddr
	}
	return addr, nil
}

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

// envReader reads typed defaults from the environment. Blank values fall
// back; the first parse failure sticks in err.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func envValue[T any](r *envReader, key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := r.lookup(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" || r.err != nil {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		r.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
		return fallback
	}
	return v
}

func (r *envReader) str(key, fallback string) string {
	return envValue(r, key, fallback, func(s string) (string, error) { return s, nil })
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	return envValue(r, key, fallback, time.ParseDuration)
}

func (r *envReader) integer(key string, fallback int) int {
	return envValue(r, key, fallback, strconv.Atoi)
}

func (r *envReader) int64(key string, fallback int64) int64 {
	return envValue(r, key, fallback, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func (r *envReader) boolean(key string, fallback bool) bool {
	return envValue(r, key, fallback, strconv.ParseBool)
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

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
