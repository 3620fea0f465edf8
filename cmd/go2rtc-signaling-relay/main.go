package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/directory"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/events"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/transport"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the signaling relay HTTP server",
		// Flags are owned by config.Load so env and flag layering stay in one place.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(args)
		},
	}

	streams := &cobra.Command{
		Use:                "streams [flags]",
		Short:              "List the media server's streams as dropdown entries",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreams(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}

	root := &cobra.Command{
		Use:                "go2rtc-signaling-relay",
		Short:              "Relay WebRTC signaling between callers and a go2rtc media server",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Args:               cobra.ArbitraryArgs,
		RunE:               serve.RunE,
	}
	root.AddCommand(serve, streams)
	return root
}

func loadConfig(args []string) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(args)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return config.Config{}, nil, &exitError{code: 2, err: err}
	}
	return cfg, logger, nil
}

func runServe(args []string) error {
	cfg, logger, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return usageError(err)
	}
	slog.SetDefault(logger)

	logger.Info("starting go2rtc-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"server_addr", cfg.ServerAddr,
		"answer_timeout", cfg.AnswerTimeout,
		"session_max_lifetime", cfg.SessionMaxLifetime,
		"offer_settle_delay", cfg.OfferSettleDelay,
		"validate_offers", cfg.ValidateOffers,
		"close_on_caller_disconnect", cfg.CloseOnCallerDisconnect,
		"max_sessions", cfg.MaxSessions,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()

	sockets := transport.NewWebSocket(transport.Config{
		DialTimeout: cfg.DialTimeout,
		MinBackoff:  cfg.ReconnectMinBackoff,
		MaxBackoff:  cfg.ReconnectMaxBackoff,
		Logger:      logger,
	})
	defer sockets.Close()

	bus := events.NewBus(logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close failed", "err", err)
		}
	}()

	engine, err := relay.NewEngine(relay.Config{
		ServerAddr:         cfg.ServerAddr,
		AnswerTimeout:      cfg.AnswerTimeout,
		SessionMaxLifetime: cfg.SessionMaxLifetime,
		SettleDelay:        cfg.OfferSettleDelay,
		ValidateOffers:     cfg.ValidateOffers,
		MaxSessions:        cfg.MaxSessions,
		Transport:          sockets,
		Events:             bus,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to configure relay engine", "err", err)
		return &exitError{code: 2, err: err}
	}
	defer engine.Close()

	sig, err := signaling.NewWebSocketServer(signaling.Config{
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:         cfg.SignalingWSPingInterval,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		CloseOnDisconnect:    cfg.CloseOnCallerDisconnect,
		Metrics:              m,
		Logger:               logger,
	}, engine, bus)
	if err != nil {
		logger.Error("failed to configure signaling websocket", "err", err)
		return &exitError{code: 2, err: err}
	}

	deps := httpserver.Deps{
		Signaling: sig,
		Sessions:  engine,
		Metrics:   m,
		Gauges: map[string]metrics.GaugeFunc{
			"active_sessions": func() float64 { return float64(engine.ActiveSessions()) },
			"tracked_sockets": func() float64 { return float64(sockets.Len()) },
		},
	}
	dir := directory.NewClient(cfg.ServerAddr, cfg.DirectoryTimeout, m, logger)
	deps.Directory = dir
	if cfg.ServerAddr != "" {
		go initialFetch(dir, logger)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return &exitError{code: 1, err: err}
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, deps)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return &exitError{code: 1, err: err}
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	engine.Close()
	logger.Info("relay sessions closed")

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return &exitError{code: 1, err: err}
	}
	return nil
}

// initialFetch mirrors the startup producer listing; the result is only logged.
func initialFetch(dir *directory.Client, logger *slog.Logger) {
	streams, ok := dir.Streams(context.Background())
	if !ok {
		return
	}
	logger.Info("media server streams", "count", len(streams))
}

func runStreams(ctx context.Context, out io.Writer, args []string) error {
	cfg, logger, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return usageError(err)
	}
	if cfg.ServerAddr == "" {
		return &exitError{code: 2, err: errors.New("media server address not configured (set GO2RTC_SERVER_URL or --server-url)")}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dir := directory.NewClient(cfg.ServerAddr, cfg.DirectoryTimeout, nil, logger)
	entries, ok := dir.Options(ctx, directory.ParameterStreamID)
	if !ok {
		return &exitError{code: 1, err: fmt.Errorf("failed to list streams from %s", cfg.ServerAddr)}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func usageError(err error) error {
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	return &exitError{code: 2, err: err}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags values win; go run and dev builds fall back to VCS stamps.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
