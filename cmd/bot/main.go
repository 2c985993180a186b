package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"msmpbot/internal/ai"
	"msmpbot/internal/binding"
	"msmpbot/internal/chatsync"
	"msmpbot/internal/chunks"
	"msmpbot/internal/config"
	"msmpbot/internal/crypto"
	"msmpbot/internal/mclog"
	"msmpbot/internal/metrics"
	"msmpbot/internal/onebot"
	"msmpbot/internal/playerdata"
	"msmpbot/internal/queue"
	"msmpbot/internal/rcon"
	"msmpbot/internal/storage"
	"msmpbot/internal/whitelist"
	"msmpbot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("server_dir", cfg.Server.Dir).
		Str("rcon_addr", cfg.Rcon.Addr).
		Ints64("admin_qq", cfg.AdminQQIDs).
		Msg("starting msmpbot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()
	rconClient := rcon.NewClient(rcon.Config{
		Addr:     cfg.Rcon.Addr,
		Password: cfg.Rcon.Password,
		Timeout:  cfg.Rcon.Timeout,
		Logger:   log.Logger,
		Metrics:  m,
	})
	defer rconClient.Close()

	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	server := onebot.NewServer(onebot.ServerConfig{
		AccessToken: cfg.OneBot.AccessToken,
		Logger:      log.Logger,
		Metrics:     m,
	})
	dispatcher := onebot.NewDispatcher(onebot.DispatcherConfig{
		AdminQQIDs:  cfg.AdminQQIDs,
		RateLimiter: queue.NewRateLimiter(rdb, cfg.Rate.PerMinute),
		Sender:      server,
		Logger:      log.Logger,
		Metrics:     m,
	})
	server.AttachDispatcher(dispatcher)

	bindingSvc := binding.NewService(binding.Config{
		Store:         store,
		Redis:         rdb,
		Rcon:          rconClient,
		Sender:        server,
		Logger:        log.Logger,
		GroupIDs:      cfg.Binding.GroupIDs,
		MaxPerQQ:      cfg.Binding.MaxPerQQ,
		VerifyTimeout: cfg.Binding.VerifyTimeout,
	})
	bindingSvc.Register(dispatcher)

	syncSvc := chatsync.NewService(chatsync.Config{
		Store:        store,
		Rcon:         rconClient,
		Sender:       server,
		Dedup:        queue.NewLineDeduper(rdb, "sync", cfg.Sync.DedupWindow),
		Logger:       log.Logger,
		Metrics:      m,
		GroupIDs:     cfg.Sync.GroupIDs,
		Mode:         cfg.Sync.Mode,
		MCFormat:     cfg.Sync.MCFormat,
		QQFormat:     cfg.Sync.QQFormat,
		AutoMCToQQ:   cfg.Sync.AutoMCToQQ,
		ManualMCToQQ: cfg.Sync.ManualMCToQQ,
		MCPrefix:     cfg.Sync.MCPrefix,
		QQToMC:       cfg.Sync.QQToMC,
	})
	if err := syncSvc.LoadSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load chat sync settings")
	}
	syncSvc.Register(dispatcher)

	auditSvc := whitelist.NewService(whitelist.Config{
		Store:         store,
		Redis:         rdb,
		Queue:         jobQueue,
		Rcon:          rconClient,
		Sender:        server,
		Crypto:        cryptoManager,
		Logger:        log.Logger,
		Metrics:       m,
		GroupIDs:      cfg.Audit.GroupIDs,
		QuestionCount: cfg.Audit.QuestionCount,
		PassScore:     cfg.Audit.PassScore,
		AnswerTimeout: cfg.Audit.AnswerTimeout,
		SessionTTL:    cfg.Audit.SessionTTL,
		Cooldown:      cfg.Audit.Cooldown,
		MaxWhitelist:  cfg.Audit.MaxWhitelist,
		Commands: whitelist.CommandTemplates{
			Add:    cfg.Audit.CmdAdd,
			Remove: cfg.Audit.CmdRemove,
			List:   cfg.Audit.CmdList,
			On:     cfg.Audit.CmdOn,
			Off:    cfg.Audit.CmdOff,
			Reload: cfg.Audit.CmdReload,
		},
		AIBaseURL:     cfg.Audit.AIBaseURL,
		AIAPIKey:      cfg.Audit.AIAPIKey,
		AIModel:       cfg.Audit.AIModel,
		AIFactory: func(baseURL, apiKey string) ai.Chatter {
			return ai.New(ai.Config{
				BaseURL:     baseURL,
				APIKey:      apiKey,
				HTTPClient:  &http.Client{Timeout: cfg.Audit.AITimeout},
				MaxRetries:  cfg.HTTP.MaxRetries,
				BackoffBase: cfg.HTTP.BackoffBase,
			})
		},
	})
	auditSvc.Register(dispatcher)

	chunksSvc := chunks.NewService(chunks.Config{
		Store:     store,
		Redis:     rdb,
		Rcon:      rconClient,
		Sender:    server,
		Logger:    log.Logger,
		ServerDir: cfg.Server.Dir,
		BackupDir: cfg.Chunks.BackupDir,
		World:     cfg.Server.WorldName,
		MaxChunks: cfg.Chunks.AreaLimit,
		ConfirmIn: cfg.Chunks.ConfirmTimeout,
	})
	chunksSvc.Register(dispatcher)

	posSvc := playerdata.NewService(playerdata.Config{
		Store:     store,
		Rcon:      rconClient,
		Sender:    server,
		Logger:    log.Logger,
		ServerDir: cfg.Server.Dir,
		World:     cfg.Server.WorldName,
	})
	posSvc.Register(dispatcher)

	watcher, err := mclog.NewWatcher(mclog.Config{
		Path:         cfg.LogWatch.Path,
		PollInterval: cfg.LogWatch.PollInterval,
		ChatRegex:    cfg.LogWatch.ChatRegex,
		Dedup:        queue.NewLineDeduper(rdb, "mclog", cfg.LogWatch.DedupTTL),
		Logger:       log.Logger,
		Metrics:      m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize log watcher")
	}
	watcher.Subscribe(bindingSvc.HandleChat)
	watcher.Subscribe(syncSvc.HandleChat)

	errCh := make(chan error, 4)
	go func() {
		if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("log watcher failed: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.AdminHTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.AdminHTTP.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.OneBot.Path, server.Handler())
	httpServer := &http.Server{
		Addr:              cfg.AdminHTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.AdminHTTP.ListenAddr).Str("onebot_path", cfg.OneBot.Path).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	w := worker.New(worker.Config{
		Queue:         jobQueue,
		Processor:     auditSvc,
		Sender:        server,
		MaxJobRetries: cfg.Worker.MaxRetries,
		Logger:        log.Logger,
		Metrics:       m,
	})
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	if format == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
