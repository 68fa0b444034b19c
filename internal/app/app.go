package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/storyloom/backend/internal/db"
	"github.com/storyloom/backend/internal/engine"
	"github.com/storyloom/backend/internal/executor"
	"github.com/storyloom/backend/internal/gateway"
	"github.com/storyloom/backend/internal/handlers"
	"github.com/storyloom/backend/internal/orchestrator"
	"github.com/storyloom/backend/internal/pkg/logger"
	"github.com/storyloom/backend/internal/progress"
	"github.com/storyloom/backend/internal/repos"
	"github.com/storyloom/backend/internal/server"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Bus      *progress.Bus
	Executor *executor.Executor

	relay  *progress.RedisRelay
	cancel context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	jobRepo := repos.NewJobRepo(theDB, log)
	storyRepo := repos.NewStoryRepo(theDB, log)
	versionRepo := repos.NewVersionRepo(theDB, log)

	bus := progress.NewBus(log, cfg.HeartbeatInterval)

	var relay *progress.RedisRelay
	if os.Getenv("REDIS_ADDR") != "" {
		relay, err = progress.NewRedisRelay(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis relay: %w", err)
		}
	}

	plan, err := engine.LoadStagePlan(cfg.StagePlanPath)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load stage plan: %w", err)
	}
	eng, err := engine.NewPipelineClient(log, plan)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init engine client: %w", err)
	}

	exec := executor.New(log, jobRepo, versionRepo, eng, bus, relay, executor.Options{
		Slots:          cfg.WorkerSlots,
		Deadline:       cfg.JobDeadline,
		PollEvery:      cfg.PollInterval,
		HeartbeatEvery: cfg.HeartbeatInterval,
	})

	orch := orchestrator.New(log, jobRepo, storyRepo, versionRepo, bus)
	gw := gateway.New(log, jobRepo, versionRepo, bus)

	router := server.NewRouter(server.RouterConfig{
		StoriesHandler: handlers.NewStoriesHandler(orch),
		JobsHandler:    handlers.NewJobsHandler(orch, gw),
		AllowOrigins:   cfg.AllowOrigins,
	})

	return &App{
		Log:      log,
		DB:       theDB,
		Router:   router,
		Cfg:      cfg,
		Bus:      bus,
		Executor: exec,
		relay:    relay,
	}, nil
}

// Start launches the worker slots and, when a relay is configured, the
// forwarder that mirrors other replicas' events into the local bus.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.Executor.Start(ctx)
	if a.relay != nil {
		if err := a.relay.StartForwarder(ctx, a.Bus.Inject); err != nil {
			a.Log.Warn("Relay forwarder failed to start", "error", err)
		}
	}
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Executor != nil {
		a.Executor.Wait()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.Log.Warn("Relay close failed", "error", err)
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
