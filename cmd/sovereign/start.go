package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sovereign/sovereign/internal/api"
	"github.com/sovereign/sovereign/internal/audit"
	"github.com/sovereign/sovereign/internal/config"
	"github.com/sovereign/sovereign/internal/notify"
	"github.com/sovereign/sovereign/internal/outbox"
	"github.com/sovereign/sovereign/internal/session"
	"github.com/sovereign/sovereign/internal/transport"
)

func runStart(configFile string, portOverride int, devMode bool) error {
	cfgLoader := config.NewLoader()
	configFile = config.FindConfigFile(configFile)
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	// The level is a LevelVar so config reloads can change it in place.
	logLevel := new(slog.LevelVar)
	logLevel.Set(parseLogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	cfgLoader.SetLogger(logger)

	store, err := openAuditStore(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	filters, err := audit.NewFilterCompiler(logger)
	if err != nil {
		return fmt.Errorf("failed to create audit filter compiler: %w", err)
	}

	wsHub := api.NewWebSocketHub(logger, cfg.Server.CORS)
	notifyHub := notify.NewHub(cfg.Notifications.DedupTTL, logger)
	senders := newSenderSet(notifyHub, wsHub, logger)
	senders.apply(cfg.Notifications)
	defer func() {
		notifyHub.Flush()
		senders.close()
	}()

	defaults, err := sessionDefaults(cfg)
	if err != nil {
		return err
	}
	defaults.Store = store
	defaults.Notifier = notifyHub
	defaults.OnChange = func(snap session.Snapshot) {
		wsHub.Broadcast(api.EventSession, snap)
	}
	registry := session.NewRegistry(defaults, logger)
	defer func() { _ = registry.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tr outbox.Transport
	if cfg.Transport.Enabled {
		client := transport.New(transport.Config{
			URL:              cfg.Transport.URL,
			Token:            cfg.Transport.Token,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			SendTimeout:      cfg.Transport.SendTimeout,
			ReconnectDelay:   cfg.Transport.ReconnectDelay,
		}, logger)
		locale := cfg.Session.Locale
		var lastReady bool
		client.Subscribe(func(s transport.Status) {
			if s.Ready() == lastReady {
				return
			}
			lastReady = s.Ready()
			notifyHub.Notify(notify.TransportChanged(lastReady, locale))
		})
		client.Start(ctx)
		defer func() { _ = client.Close() }()
		tr = client
	}

	apiServer := api.NewServer(cfg.Server, api.Deps{
		Sessions:  registry,
		Filters:   filters,
		Transport: tr,
		Notifier:  notifyHub,
		Hub:       wsHub,
	}, logger)

	// Hot-reload: log level, notification senders and defaults for new sessions.
	if configFile != "" {
		if err := cfgLoader.Watch(func(next *config.Config) {
			logLevel.Set(parseLogLevel(next.Server.LogLevel))
			senders.apply(next.Notifications)
			nextDefaults, err := sessionDefaults(next)
			if err != nil {
				logger.Error("ignoring session settings from reloaded config", "error", err)
				return
			}
			registry.UpdateDefaults(func(o *session.Options) {
				o.Actor = nextDefaults.Actor
				o.EntryMethod = nextDefaults.EntryMethod
				o.Locale = nextDefaults.Locale
				o.RevertAfter = nextDefaults.RevertAfter
				o.RevertMode = nextDefaults.RevertMode
			})
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer cfgLoader.StopWatch()
	}

	fmt.Println()
	fmt.Printf("  Sovereign %s\n", version)
	fmt.Println()
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Live feed: ws://localhost:%d/api/ws\n", cfg.Server.Port)
	fmt.Printf("  → Audit:     %s\n", describeAudit(cfg.Audit))
	fmt.Printf("  → Posture:   revert after %s (%s)\n", defaults.RevertAfter, defaults.RevertMode)
	if cfg.Transport.Enabled {
		fmt.Printf("  → AI:        %s\n", cfg.Transport.URL)
	}
	fmt.Printf("  → Notify:    %s\n", strings.Join(notifyHub.SenderNames(), ", "))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openAuditStore opens the configured store. The sqlite driver without a
// path keeps its database in memory.
func openAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	var store audit.Store
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		store = audit.NewMemoryStore()
	case "sqlite":
		s, err := audit.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}
	return store, nil
}

func describeAudit(cfg config.AuditConfig) string {
	if strings.EqualFold(cfg.Driver, "sqlite") && cfg.Path != "" {
		return "sqlite (" + cfg.Path + ")"
	}
	if strings.EqualFold(cfg.Driver, "sqlite") {
		return "sqlite (in memory)"
	}
	return "memory"
}

// sessionDefaults maps the config onto session options. Store, notifier and
// callbacks are filled in by the caller.
func sessionDefaults(cfg *config.Config) (session.Options, error) {
	mode, err := session.ParseRevertMode(cfg.Posture.RevertMode)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Actor:       cfg.Session.Actor,
		EntryMethod: cfg.Session.EntryMethod,
		Locale:      cfg.Session.Locale,
		RevertAfter: cfg.Posture.RevertAfter,
		RevertMode:  mode,
	}, nil
}

// senderSet rebuilds the notification senders from config and closes the
// Redis connection of the set it replaces.
type senderSet struct {
	mu     sync.Mutex
	hub    *notify.Hub
	ws     notify.Sender
	redis  *notify.RedisSender
	logger *slog.Logger
}

func newSenderSet(hub *notify.Hub, ws notify.Sender, logger *slog.Logger) *senderSet {
	return &senderSet{hub: hub, ws: ws, logger: logger}
}

func (s *senderSet) apply(cfg config.NotificationsConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	senders, redis := buildSenders(cfg, s.ws, s.logger)
	s.hub.SetSenders(senders...)
	if s.redis != nil {
		_ = s.redis.Close()
	}
	s.redis = redis
	s.logger.Info("notification senders configured", "senders", s.hub.SenderNames())
}

func (s *senderSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
}

// buildSenders returns the senders enabled by cfg. ws may be nil.
func buildSenders(cfg config.NotificationsConfig, ws notify.Sender, logger *slog.Logger) ([]notify.Sender, *notify.RedisSender) {
	var senders []notify.Sender
	if cfg.Log {
		senders = append(senders, notify.NewLogSender(logger))
	}
	if ws != nil {
		senders = append(senders, ws)
	}
	if cfg.Webhook.URL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Secret))
	}
	var redis *notify.RedisSender
	if cfg.Redis.Addr != "" {
		redis = notify.NewRedisSender(cfg.Redis.Addr, cfg.Redis.Channel)
		senders = append(senders, redis)
	}
	return senders, redis
}
