package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "soundboard-collab/internal/handler/http"
	wsHandler "soundboard-collab/internal/handler/websocket"
	"soundboard-collab/internal/hub"
	gormpersistence "soundboard-collab/internal/infra/persistence/gorm"
	redispubsub "soundboard-collab/internal/infra/pubsub/redis"
	"soundboard-collab/internal/infra/setup"
	redisstate "soundboard-collab/internal/infra/state/redis"
	"soundboard-collab/internal/middleware"
	"soundboard-collab/internal/service"
	"soundboard-collab/internal/tasks"
	"soundboard-collab/internal/worker"
)

const (
	hubShutdownTimeout  = 15 * time.Second
	httpShutdownTimeout = 10 * time.Second
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	NodeID      string
	DB          *gorm.DB
	RedisClient *redis.Client
	Broadcaster *redispubsub.Broadcaster
	Reactions   *service.ReactionService
	Hub         *hub.Hub
	Worker      *worker.WorkerServer
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
}

// NewApp 加载配置并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger。组件通过 logrus 包级函数记录日志，因此配置标准 logger。
	log := logrus.StandardLogger()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)

	nodeID := ulid.Make().String()
	log.WithFields(logrus.Fields{"node": nodeID, "level": logLevel.String()}).Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if cfg.DBAutoMigrate {
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
	}

	redisClient, err := setup.InitRedis(context.Background(), cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// 4. 初始化 Repositories
	boardRepo := gormpersistence.NewGormBoardRepository(db)
	store := redisstate.NewRedisCollabStore(redisClient, cfg.KeyPrefix, cfg.RoomIdleTTL)
	bus := redispubsub.NewBroadcaster(redisClient, cfg.KeyPrefix)
	log.Info("Repositories initialized")

	// 5. 初始化 Services
	presence := service.NewPresenceService(store, bus)
	locks := service.NewLockService(store, bus, cfg.LockTTL, nil)
	reactions := service.NewReactionService(bus, cfg.ReactionQueueSize, 2)
	boardEvents := service.NewBoardEventService(bus, presence, locks)
	janitor := service.NewJanitor(store, presence, locks, cfg.ConnStaleAfter, nil)
	sessions := service.NewSessionManager(service.SessionDeps{
		Store:            store,
		Bus:              bus,
		Access:           service.NewAccessService(boardRepo),
		Presence:         presence,
		Locks:            locks,
		Reactions:        reactions,
		BoardEvents:      boardEvents,
		Janitor:          janitor,
		ReactionCooldown: cfg.ReactionCooldown,
	})
	log.Info("Services initialized")

	// 6. 初始化 Hub 和 Handlers
	hubInstance := hub.NewHub(sessions, cfg.HeartbeatInterval)
	wsH := wsHandler.NewWebSocketHandler(hubInstance, cfg.CORSOrigin)
	eventsH := httpHandler.NewBoardEventHandler(boardEvents)

	// 7. 初始化 Worker Server
	workerServer := worker.NewWorkerServer(redisClientOpt, janitor, log)

	// 8. 初始化 Gin Engine 和路由
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORS(cfg.CORSOrigin))

	public := router.Group("/", middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))
	public.GET("/ws", middleware.OptionalAuth(cfg.JWTSecret), wsH.HandleConnection)
	eventsH.RegisterRoutes(router.Group("/internal", middleware.InternalToken(cfg.InternalAPIToken)))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong", "node": nodeID, "clients": hubInstance.ClientCount()})
	})
	log.Info("Router setup complete")

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &App{
		Config:         cfg,
		Log:            log,
		NodeID:         nodeID,
		DB:             db,
		RedisClient:    redisClient,
		Broadcaster:    bus,
		Reactions:      reactions,
		Hub:            hubInstance,
		Worker:         workerServer,
		HttpServer:     httpServer,
		redisClientOpt: redisClientOpt,
	}, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()
	a.Reactions.Start()
	go a.Worker.Start()
	a.registerPeriodicTasks()

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 注册锁清理任务。每个进程都运行调度器，
// asynq.Unique 保证同一周期内只有一个任务入队。
func (a *App) registerPeriodicTasks() {
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{
		Logger:   worker.NewAsynqLogger(a.Log.WithField("component", "scheduler")),
		LogLevel: asynq.WarnLevel,
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			if errors.Is(err, asynq.ErrDuplicateTask) {
				a.Log.WithField("task_type", task.Type()).Debug("Periodic task already enqueued by another node")
				return
			}
			a.Log.WithField("task_type", task.Type()).WithError(err).Warn("Failed to enqueue periodic task")
		},
	})

	task, err := tasks.NewLockSweepTask(a.NodeID, a.Config.LockSweepInterval)
	if err != nil {
		a.Log.Errorf("Failed to create lock sweep task: %v", err)
		return
	}
	schedule := fmt.Sprintf("@every %s", a.Config.LockSweepInterval)
	entryID, err := scheduler.Register(schedule, task)
	if err != nil {
		a.Log.Errorf("Could not register periodic lock sweep task: %v", err)
		return
	}
	a.Log.Infof("Periodic lock sweep task registered with schedule '%s' (EntryID: %s)", schedule, entryID)

	a.scheduler = scheduler
	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
			return
		}
		a.Log.Info("Asynq scheduler stopped.")
	}()
}

// Shutdown 优雅地关闭应用。先停止接收新连接，再断开现有连接并等待断线清理完成，
// 最后关闭后台任务和 Redis。
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止接收新的 HTTP 请求。已升级的 WebSocket 连接不受影响
	httpCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := a.HttpServer.Shutdown(httpCtx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}
	cancel()

	// 2. 断开所有连接，释放它们的成员和锁
	hubCtx, cancel := context.WithTimeout(context.Background(), hubShutdownTimeout)
	if err := a.Hub.Shutdown(hubCtx); err != nil {
		a.Log.WithError(err).Warn("Hub shutdown incomplete, remaining state will be swept by other nodes")
	}
	cancel()

	// 3. 停止后台任务
	a.Reactions.Stop()
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	a.Worker.Shutdown()

	// 4. 关闭 Pub/Sub 订阅和 Redis 连接
	if err := a.Broadcaster.Close(); err != nil {
		a.Log.Errorf("Error closing broadcaster: %v", err)
	}
	if err := a.RedisClient.Close(); err != nil {
		a.Log.Errorf("Error closing Redis connection: %v", err)
	} else {
		a.Log.Info("Redis connection closed.")
	}

	// 5. 关闭数据库连接池
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Log.Errorf("Error closing database connection: %v", err)
		}
	}

	a.Log.Info("Application shutdown complete.")
}
