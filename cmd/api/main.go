package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "hierarchyflow/api/swagger" // swagger docs
	"hierarchyflow/internal/config"
	"hierarchyflow/internal/database"
	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/handler"
	"hierarchyflow/internal/logger"
	"hierarchyflow/internal/middleware"
	"hierarchyflow/internal/notify"
	"hierarchyflow/internal/repository"
	"hierarchyflow/internal/service"
	"hierarchyflow/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// directoryStore is what the server needs from a principal directory backend.
type directoryStore interface {
	directory.Directory
	service.PrincipalWriter
}

// @title           HierarchyFlow API
// @version         1.0
// @description     Hierarchical information-request workflow: national requests fanned out to states and divisions, merged back up the chain.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := config.LoadEnvFile("configs/.env"); err != nil {
		// Environment variables alone are a valid setup.
		_, _ = os.Stderr.WriteString("no configs/.env file loaded\n")
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, base, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn("closing store", zap.Error(err))
		}
	}()

	if cfg.DirectorySeedFile != "" {
		seed, err := directory.LoadSeed(cfg.DirectorySeedFile)
		if err != nil {
			return err
		}
		if err := base.Upsert(ctx, seed...); err != nil {
			return err
		}
		log.Info("directory seeded", zap.Int("principals", len(seed)), zap.String("file", cfg.DirectorySeedFile))
	}

	var dir directory.Directory = base
	if cfg.RedisURL != "" {
		client, err := directory.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		cached := directory.NewCachedDirectory(base, client, cfg.DirectoryCacheTTL, log)
		if err := cached.Invalidate(ctx); err != nil {
			log.Warn("directory cache invalidation failed", zap.Error(err))
		}
		dir = cached
		log.Info("directory cache enabled", zap.Duration("ttl", cfg.DirectoryCacheTTL))
	}

	// Set up WebSocket Hub
	wsHub := websocket.NewHub(log)
	go wsHub.Run(ctx)

	publishers := notify.Multi{wsHub, notify.NewLogPublisher(log)}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, log))
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				log.Warn("closing kafka writer", zap.Error(err))
			}
		}()
		publishers = append(publishers, kafkaPublisher)
	}

	secret := cfg.Secret()

	// Set up dependencies (Repository -> Service -> Handler)
	workflowService := service.NewWorkflowService(store, dir, publishers, log)
	statisticsService := service.NewStatisticsService(store)
	auditService := service.NewAuditService(store)
	principalService := service.NewPrincipalService(dir, base, secret)
	templateService := service.NewTemplateService(store, dir, log)

	workflowHandler := handler.NewWorkflowHandler(workflowService)
	formHandler := handler.NewFormHandler(workflowService)
	activityHandler := handler.NewActivityHandler(auditService)
	analyticsHandler := handler.NewAnalyticsHandler(statisticsService)
	principalHandler := handler.NewPrincipalHandler(principalService)
	templateHandler := handler.NewTemplateHandler(templateService)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log))

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK", "store": cfg.StoreDriver, "dry_run": store.DryRun})
	})
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, secret)
	})

	public := router.Group("/api")
	principalHandler.RegisterPublicRoutes(public)

	api := router.Group("/api", middleware.RequireAuth(secret))
	workflowHandler.RegisterRoutes(api)
	formHandler.RegisterRoutes(api)
	activityHandler.RegisterRoutes(api)
	analyticsHandler.RegisterRoutes(api)
	principalHandler.RegisterRoutes(api)
	templateHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore builds the workflow store for the configured driver together with
// a principal directory on the same backend. The dry-run driver keeps
// principals in memory.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.Store, directoryStore, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		client, db, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB, log)
		if err != nil {
			return repository.Store{}, nil, err
		}
		return repository.NewMongoStore(client, db), directory.NewMongoDirectory(db), nil
	case config.DriverDryRun:
		log.Warn("dry-run store active: nothing is persisted")
		return repository.NewDryRunStore(), directory.NewMemoryDirectory(), nil
	default:
		db, err := database.NewConnection(cfg.DB.DSN(), log)
		if err != nil {
			return repository.Store{}, nil, err
		}
		log.Info("connected to PostgreSQL")
		return repository.NewPostgresStore(db), directory.NewPostgresDirectory(db), nil
	}
}
