package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/falcon-eye/falcon-eye/internal/cache"
	"github.com/falcon-eye/falcon-eye/internal/chat"
	"github.com/falcon-eye/falcon-eye/internal/cluster"
	"github.com/falcon-eye/falcon-eye/internal/config"
	"github.com/falcon-eye/falcon-eye/internal/cronjob"
	"github.com/falcon-eye/falcon-eye/internal/db"
	"github.com/falcon-eye/falcon-eye/internal/events"
	"github.com/falcon-eye/falcon-eye/internal/handlers"
	"github.com/falcon-eye/falcon-eye/internal/lifecycle"
	"github.com/falcon-eye/falcon-eye/internal/logger"
	"github.com/falcon-eye/falcon-eye/internal/manifest"
	"github.com/falcon-eye/falcon-eye/internal/middleware"
	"github.com/falcon-eye/falcon-eye/internal/noderegistry"
	"github.com/falcon-eye/falcon-eye/internal/proxy"
	"github.com/falcon-eye/falcon-eye/internal/reconciler"
	"github.com/falcon-eye/falcon-eye/internal/recording"
	"github.com/falcon-eye/falcon-eye/internal/scanner"
	"github.com/falcon-eye/falcon-eye/internal/settings"
	"github.com/falcon-eye/falcon-eye/internal/sweeper"
	"github.com/falcon-eye/falcon-eye/internal/tools"
)

// stuckCreateDispatcher breaks the construction cycle between the
// Reconciler (built first, needs a stuck-create callback) and the
// Lifecycle Controllers (built after, own the eviction logic): the
// Reconciler gets a bound method on this dispatcher, and the real
// controllers are filled in once they exist.
type stuckCreateDispatcher struct {
	cameras *lifecycle.CameraController
	agents  *lifecycle.AgentController
}

func (d *stuckCreateDispatcher) evict(ctx context.Context, entityKind, entityID string) {
	switch entityKind {
	case "camera":
		d.cameras.EvictStuckCreate(ctx, entityID)
	case "agent":
		d.agents.EvictStuckCreate(ctx, entityID)
	}
}

// messageSaverRef breaks the construction cycle between the tool
// registry (needs a MessageSaver at Build time) and the Chat Router
// (the concrete MessageSaver, which itself needs the registry).
type messageSaverRef struct {
	router *chat.Router
}

func (m *messageSaverRef) SaveMessage(ctx context.Context, agentID, sessionID, role, content, source string) error {
	return m.router.SaveMessage(ctx, agentID, sessionID, role, content, source)
}

func main() {
	cfg := config.FromEnv()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	database, err := db.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run database migrations")
	}

	redisCache, err := cache.New(cache.Config{
		Host:    cfg.RedisHost,
		Port:    cfg.RedisPort,
		DB:      cfg.RedisDB,
		Enabled: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis cache unavailable, continuing without caching")
		redisCache, _ = cache.New(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	clusterClient, err := cluster.New(cfg.KubeconfigPath, cfg.Namespace)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize kubernetes client")
	}

	eventPublisher, err := events.NewPublisher(events.Config{URL: cfg.NATSUrl})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize event publisher")
	}
	defer eventPublisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := noderegistry.New(clusterClient, redisCache)
	nodes.Start(ctx)
	defer nodes.Stop()

	manifestCfg := manifest.Config{
		Namespace:       cfg.Namespace,
		APIURL:          getenv("API_URL", fmt.Sprintf("http://falcon-eye-api.%s.svc.cluster.local:8000", cfg.Namespace)),
		CaptureImage:    getenv("CAPTURE_IMAGE", "ghcr.io/falcon-eye/capture:latest"),
		NetworkImage:    getenv("NETWORK_IMAGE", "ghcr.io/falcon-eye/network-relay:latest"),
		RecorderImage:   getenv("RECORDER_IMAGE", "ghcr.io/falcon-eye/recorder:latest"),
		AgentImage:      getenv("AGENT_IMAGE", "ghcr.io/falcon-eye/agent:latest"),
		CronRunnerImage: getenv("CRON_RUNNER_IMAGE", "ghcr.io/falcon-eye/cron-runner:latest"),
		JetsonNodes:     toSet(cfg.JetsonNodes),
	}

	recorder := recording.New(database, clusterClient, manifestCfg)

	dispatcher := &stuckCreateDispatcher{}
	creatingTimeout := time.Duration(cfg.CreatingTimeoutMinutes) * time.Minute
	recon := reconciler.New(clusterClient, database, creatingTimeout, dispatcher.evict)

	cameras := lifecycle.NewCameraController(database, clusterClient, recorder, recon, manifestCfg, eventPublisher)
	agents := lifecycle.NewAgentController(database, clusterClient, recon, manifestCfg, eventPublisher)
	dispatcher.cameras = cameras
	dispatcher.agents = agents

	cronJobs := cronjob.New(database, clusterClient, manifestCfg)

	msgRef := &messageSaverRef{}
	registry := tools.Build(tools.Dependencies{
		DB:          database,
		Cluster:     clusterClient,
		ManifestCfg: manifestCfg,
		Cameras:     cameras,
		Agents:      agents,
		Recorder:    recorder,
		CronJobs:    cronJobs,
		Messages:    msgRef,
	})

	chatRouter := chat.New(database, registry, cfg.Namespace, cfg.ChatTurnDeadline)
	msgRef.router = chatRouter

	streamProxy := proxy.New(database, clusterClient, nodes, cfg)

	settingsFacade := settings.New(clusterClient, redisCache)

	nodeScanner := scanner.New(nodes, cfg)

	sweep := sweeper.New(database, clusterClient, recorder, nodes, chatRouter, settingsFacade, cfg.CleanupInterval, cfg.FileServerPort)
	if err := sweep.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sweep.Stop()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLoggerWithConfigFunc(middleware.DefaultStructuredLoggerConfig()))
	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))
	router.Use(middleware.AllowedHTTPMethods())
	router.Use(middleware.DefaultSizeLimiter())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(middleware.RequireBearerToken(cfg.BearerToken))
	{
		handlers.NewCameraHandler(database, cameras, recorder, streamProxy).RegisterRoutes(api)
		handlers.NewAgentHandler(agents, database, registry).RegisterRoutes(api)
		handlers.NewRecordingHandler(database, streamProxy, nodes, cfg.FileServerPort).RegisterRoutes(api)
		handlers.NewNodeHandler(nodes, nodeScanner).RegisterRoutes(api)
		handlers.NewSettingsHandler(settingsFacade, cameras).RegisterRoutes(api)
		handlers.NewCronJobHandler(cronJobs).RegisterRoutes(api)
		handlers.NewChatHandler(chatRouter, database).RegisterRoutes(api)
		handlers.NewToolHandler(registry, chatRouter).RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:              ":8000",
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("falcon-eye control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
