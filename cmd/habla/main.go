// habla: bilingual realtime conversation engine with an HTTP control API
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-habla/internal/config"
	"github.com/teslashibe/go-habla/internal/log"
	"github.com/teslashibe/go-habla/pkg/backend"
	"github.com/teslashibe/go-habla/pkg/hub"
	"github.com/teslashibe/go-habla/pkg/media"
	"github.com/teslashibe/go-habla/pkg/metrics"
	"github.com/teslashibe/go-habla/pkg/realtime"
	"github.com/teslashibe/go-habla/pkg/session"
	"github.com/teslashibe/go-habla/pkg/store"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
	"github.com/teslashibe/go-habla/pkg/web"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "", "Path to YAML config (default: $HABLA_CONFIG_FILE or ./habla.yaml)")
	sessionID  = flag.String("session", "", "Session slug to select at startup")
	accessLog  = flag.Bool("access-log", false, "Log every HTTP request")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "habla: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *sessionID != "" {
		cfg.SessionID = *sessionID
	}

	log.Init(cfg.LogLevel)
	logger := log.With("service", "habla")
	log.Info("starting habla", "version", version, "backend", cfg.BackendURL, "persistence", cfg.Persistence)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("habla")
	api := backend.New(cfg.BackendURL, backend.WithLogger(logger))

	deps := session.Deps{
		Translator: api,
		Relay:      toolrelay.New(api, cfg.RequestTimeout, logger),
	}
	switch cfg.Persistence {
	case config.PersistHTTP:
		deps.Persister = api
		deps.Loader = api
	case config.PersistDB:
		db, err := store.NewGormStore(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		deps.Persister = db
		deps.Loader = db
	case config.PersistNone:
		log.Warn("persistence disabled; turns are kept in memory only")
	}

	events := hub.New("events", logger)
	deps.Notifier = events

	transport := realtime.NewPeerTransport(
		realtime.WithURL(cfg.RealtimeURL),
		realtime.WithModel(cfg.RealtimeModel),
		realtime.WithICEServers(cfg.ICEServers...),
		realtime.WithSource(func() media.Source {
			return media.NewSilenceSource(20*time.Millisecond, logger)
		}),
		realtime.WithSink(media.NewCountingSink),
		realtime.WithLogger(logger),
	)

	engine, err := session.NewEngine(transport, api, deps,
		session.WithDedupeWindow(cfg.DedupeWindow),
		session.WithVoice(cfg.Voice),
		session.WithTTS(cfg.TTSEnglish, cfg.TTSSpanish),
		session.WithRequestTimeout(cfg.RequestTimeout),
		session.WithLogger(logger),
		session.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	engine.OnConnectionChange(func(connected bool) {
		log.Debug("connection changed", "connected", connected)
	})

	go events.Run(ctx)
	go engine.Run(ctx)

	if cfg.SessionID != "" {
		if err := engine.SetSessionID(ctx, cfg.SessionID); err != nil {
			return fmt.Errorf("select session %q: %w", cfg.SessionID, err)
		}
	}

	webCfg := web.Config{Metrics: m.Handler(), Logger: logger}
	if *accessLog {
		webCfg.AccessLog = os.Stdout
	}
	server := web.NewServer(webCfg, engine, events)

	errc := make(chan error, 1)
	go func() {
		errc <- server.Listen(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("shutdown", "error", err)
	}

	stop()
	select {
	case <-engine.Done():
	case <-shutdownCtx.Done():
		log.Warn("engine did not stop in time")
	}
	return nil
}
