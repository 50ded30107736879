// Messaging & presence service: WebSocket gateway, REST surface, presence
// sweeps and the offline delivery queue in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evently/messaging/internal/config"
	"github.com/evently/messaging/internal/delivery"
	"github.com/evently/messaging/internal/email"
	"github.com/evently/messaging/internal/handler"
	"github.com/evently/messaging/internal/logger"
	"github.com/evently/messaging/internal/middleware"
	"github.com/evently/messaging/internal/presence"
	"github.com/evently/messaging/internal/push"
	"github.com/evently/messaging/internal/registry"
	"github.com/evently/messaging/internal/repository"
	"github.com/evently/messaging/internal/service"
	"github.com/evently/messaging/internal/startup"
	"github.com/evently/messaging/internal/storage"
	"github.com/evently/messaging/internal/storage/memory"
	"github.com/evently/messaging/internal/ws"
	"github.com/evently/messaging/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting messaging service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	threadRepo := repository.NewThreadRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	notifRepo := repository.NewNotificationRepository(pool, cfg.MaxPushSubscriptions)
	queueRepo := repository.NewQueueRepository(pool)

	// Presence backend: Redis when configured, otherwise in-process memory.
	var backend storage.PresenceBackend
	if cfg.Redis.URL != "" {
		client := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		backend = client
		logger.Info("presence backend: redis")
	} else {
		backend = memory.New()
		logger.Info("presence backend: memory")
	}
	defer backend.Close()

	reg := registry.New(cfg.MaxWSConnections)
	pres := presence.NewStore(backend, reg, presence.Config{
		TTL:        cfg.Presence.HeartbeatTTL,
		AwayAfter:  cfg.Presence.AwayAfter,
		SweepEvery: cfg.Presence.SweepEvery,
	})
	// Register fires this synchronously; the presence write and the
	// broadcast it triggers go to their own goroutine so connection
	// setup never waits on Redis or the thread query.
	reg.OnFirstConnection(func(userID string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pres.MarkOnline(ctx, userID); err != nil {
				logger.Errorf("presence mark online user=%s: %v", userID, err)
			}
		}()
	})

	var emailSender delivery.ChannelSender
	if cfg.SMTP.Username != "" && cfg.SMTP.Password != "" {
		emailSender = email.NewSender(&cfg.SMTP, email.NewHTTPDirectory(cfg.AuthServiceURL))
		logger.Info("email channel enabled")
	}

	vapidKeys, err := push.EnsureVAPIDKeys(cfg.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("push: VAPID keys unavailable: %v (push channel disabled)", err)
	}
	var pushSender delivery.ChannelSender
	vapidPublicKey := ""
	if ps := push.NewSender(notifRepo, vapidKeys, cfg.PushSubscriber); ps.Enabled() {
		pushSender = ps
		vapidPublicKey = vapidKeys.PublicKey
		logger.Info("push channel enabled")
	}

	fanout := delivery.NewFanout(notifRepo, emailSender, pushSender, queueRepo, threadRepo, cfg.Queue.DeliverTimeout)
	router := delivery.NewRouter(reg, queueRepo, fanout, msgRepo, cfg.Queue.DeliverTimeout)
	defer router.Close()

	svc := service.NewMessageService(threadRepo, msgRepo, router, nil, service.Config{
		EditWindow:      cfg.Messaging.EditWindow,
		MaxContentLen:   cfg.Messaging.MaxContentLen,
		MaxPerWindow:    cfg.Messaging.MaxPerWindow,
		RateWindow:      cfg.Messaging.RateWindow,
		DuplicateWindow: cfg.Messaging.DuplicateWindow,
	})

	gw := ws.NewGateway(reg, svc, pres, router)

	worker := delivery.NewWorker(queueRepo, router.RedeliverEntry, delivery.WorkerConfig{
		Backoff:      cfg.Queue.Backoff,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		PollInterval: cfg.Queue.PollInterval,
		ClaimBatch:   cfg.Queue.ClaimBatch,
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	bgWg.Add(3)
	go func() {
		defer bgWg.Done()
		gw.Run(bgCtx)
	}()
	go func() {
		defer bgWg.Done()
		pres.Run(bgCtx)
	}()
	go func() {
		defer bgWg.Done()
		worker.Run(bgCtx)
	}()

	threadH := handler.NewThreadHandler(svc)
	notifH := handler.NewNotificationHandler(notifRepo)
	presenceH := handler.NewPresenceHandler(pres)
	pushH := handler.NewPushHandler(notifRepo, vapidPublicKey)
	wsH := handler.NewWSHandler(gw, cfg.CORSAllowedOrigins)
	queueH := handler.NewQueueHandler(queueRepo)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Never compress WebSocket responses: the wrapped ResponseWriter would
	// lose http.Hijacker and the upgrade 500s.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/push/vapid-key", pushH.VAPIDKey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthServiceValidate(cfg.AuthServiceURL, nil))
		r.Get("/api/threads", threadH.ListThreads)
		r.Post("/api/threads", threadH.OpenThread)
		r.Get("/api/threads/{threadID}", threadH.GetThread)
		r.Get("/api/threads/{threadID}/messages", threadH.ListMessages)
		r.Post("/api/threads/{threadID}/messages", threadH.SendMessage)
		r.Post("/api/threads/{threadID}/read", threadH.MarkRead)
		r.Put("/api/threads/{threadID}/pin", threadH.PinThread)
		r.Put("/api/threads/{threadID}/mute", threadH.MuteThread)
		r.Post("/api/threads/{threadID}/archive", threadH.ArchiveThread)
		r.Put("/api/messages/{messageID}", threadH.EditMessage)
		r.Delete("/api/messages/{messageID}", threadH.DeleteMessage)
		r.Get("/api/messages/{messageID}/history", threadH.MessageHistory)
		r.Get("/api/queue/failed", queueH.ListFailed)
		r.Get("/api/notifications", notifH.List)
		r.Post("/api/notifications/read-all", notifH.MarkAllRead)
		r.Post("/api/notifications/{notificationID}/read", notifH.MarkRead)
		r.Get("/api/notifications/preferences", notifH.GetPreferences)
		r.Put("/api/notifications/preferences", notifH.SetPreferences)
		r.Get("/api/presence", presenceH.Bulk)
		r.Get("/api/presence/{userID}", presenceH.Get)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	logger.Info("gateway, presence and queue worker stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			logger.Errorf("read migration %s: %v", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", f, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "messaging"
		password = "messaging_secret"
		database = "messaging"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
