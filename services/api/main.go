package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timeslice/internal/config"
	"github.com/timeslice/internal/handler"
	"github.com/timeslice/internal/logger"
	"github.com/timeslice/internal/middleware"
	"github.com/timeslice/internal/push"
	"github.com/timeslice/internal/repository"
	"github.com/timeslice/internal/service"
	"github.com/timeslice/internal/startup"
	"github.com/timeslice/internal/storage"
	"github.com/timeslice/internal/storage/memory"
	"github.com/timeslice/internal/ws"
	"github.com/timeslice/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory session store")
	flag.Parse()

	logger.Info("starting API service")
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

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := pool.Exec(resetCtx, "UPDATE users SET is_online = false"); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	// Секреты сессий: Redis в проде, in-memory в -dev.
	var store storage.SessionSecretStore
	if *dev {
		store = memory.New()
		logger.Info("using in-memory session store (-dev)")
	} else {
		store = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	}
	defer store.Close()

	userRepo := repository.NewUserRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	notifRepo := repository.NewNotificationRepository(pool)
	taskRepo := repository.NewTaskRepository(pool)
	bookingRepo := repository.NewBookingRepository(pool)
	activityRepo := repository.NewActivityRepository(pool)

	pushClient := push.NewClient(cfg.PushServiceURL)
	authSvc := service.NewAuthService(userRepo, sessionRepo, store)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(convRepo, msgRepo, userRepo, notifRepo, cfg.MaxWSConnections, pushClient)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(authSvc)
	convH := handler.NewConversationHandler(convRepo, userRepo, msgRepo, hub)
	notifH := handler.NewNotificationHandler(notifRepo, hub)
	taskH := handler.NewTaskHandler(taskRepo, bookingRepo, userRepo, activityRepo, hub)
	dashH := handler.NewDashboardHandler(activityRepo)
	fileH := handler.NewFileHandler(cfg)
	userH := handler.NewUserHandler(userRepo)
	pumpCfg := ws.PumpConfig{
		SendBufferSize: cfg.WSSendBufferSize,
		WriteTimeout:   time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
	}
	wsH := handler.NewWSHandler(hub, pumpCfg, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)
	pushH := handler.NewPushHandler(pushClient)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
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
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Method(http.MethodGet, "/metrics", middleware.InternalOnly(promhttp.Handler()))
	r.Get("/api/config/dashboard", configH.GetDashboardConfig)
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/files/{filename}", fileH.Serve)

	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)
	// Проверка подписи для push-сервиса (только из внутренней сети).
	r.Method(http.MethodPost, "/internal/validate", middleware.InternalOnly(handler.ValidateSession(authSvc)))

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessionRepo, store))

		r.Get("/api/auth/sessions", authH.GetSessions)
		r.Post("/api/auth/logout", authH.LogoutSession)
		r.Post("/api/auth/logout-all", authH.LogoutAllSessions)
		r.Post("/api/auth/switch-role", authH.SwitchRole)

		r.Get("/api/users/me", userH.GetProfile)
		r.Put("/api/users/me", userH.UpdateProfile)
		r.Get("/api/users/search", userH.SearchUsers)
		r.Get("/api/users/{id}", userH.GetUser)

		r.Get("/api/conversations", convH.GetUserConversations)
		r.Post("/api/conversations", convH.Create)
		r.Get("/api/conversations/{id}", convH.GetConversation)
		r.Delete("/api/conversations/{id}", convH.DeleteConversation)
		r.Get("/api/conversations/{id}/messages", convH.GetMessages)
		r.Post("/api/conversations/{id}/read", convH.MarkAsRead)

		r.Get("/api/notifications", notifH.List)
		r.Post("/api/notifications/{id}/read", notifH.MarkRead)
		r.Post("/api/notifications/read-all", notifH.MarkAllRead)
		r.Delete("/api/notifications/{id}", notifH.Delete)
		r.Delete("/api/notifications", notifH.ClearAll)

		r.Get("/api/tasks", taskH.ListOpenTasks)
		r.Post("/api/tasks", taskH.CreateTask)
		r.Get("/api/tasks/{id}", taskH.GetTask)
		r.Post("/api/tasks/{id}/apply", taskH.Apply)
		r.Get("/api/bookings", taskH.ListBookings)
		r.Post("/api/bookings/{id}/confirm", taskH.ConfirmBooking)
		r.Post("/api/bookings/{id}/complete", taskH.CompleteBooking)
		r.Post("/api/bookings/{id}/cancel", taskH.CancelBooking)

		r.Get("/api/dashboard", dashH.Snapshot)
		r.Get("/api/dashboard/stats", dashH.Stats)
		r.Get("/api/dashboard/earnings", dashH.Earnings)
		r.Get("/api/dashboard/performance", dashH.Performance)
		r.Get("/api/dashboard/activity", dashH.Activity)
		r.Post("/api/activity/batch", dashH.SubmitActivityBatch)

		r.Post("/api/files/upload", fileH.Upload)
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
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// runMigrations применяет встроенные миграции по порядку имён (001, 002, ...).
func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "timeslice"
		password = "timeslice_secret"
		database = "timeslice"
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
