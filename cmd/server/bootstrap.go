package main

import (
	"context"
	"fmt"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/handlers"
	"github.com/FernandoVinha/TheManager/internal/middleware"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/internal/utils"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"gorm.io/gorm"
)

// appServices holds everything the routes and shutdown need.
type appServices struct {
	db        *gorm.DB
	queue     services.EventQueue
	worker    *services.Worker
	scheduler *services.Scheduler
	hub       *services.SSEHub
	limiters  []*middleware.RateLimiter

	authHandler      *handlers.AuthHandler
	userHandler      *handlers.UserHandler
	projectHandler   *handlers.ProjectHandler
	memberHandler    *handlers.ProjectMemberHandler
	taskHandler      *handlers.TaskHandler
	outboxHandler    *handlers.OutboxHandler
	sseHandler       *handlers.SSEHandler
	healthHandler    *handlers.HealthHandler
	metricsHandler   *handlers.MetricsHandler
	systemLogHandler *handlers.SystemLogHandler
}

// bootstrap opens the database and wires the change event source, the
// reconcilers and the merge automation.
func bootstrap(cfg *config.Config) (*appServices, error) {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := models.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	db := models.GetDB()
	services.InitSystemLogger(db)

	remote := services.NewRemoteClient(&cfg.Gitea)
	sealer := services.NewSealer(cfg.Security.SecretKey)
	hub := services.NewSSEHub()
	messages := services.NewMessageLog(db, hub)

	// The queue is attached once the engine exists; until then Notify is a
	// no-op and the startup relay picks everything up.
	outbox := services.NewOutbox(nil, sealer)

	users := services.NewUserService(db, outbox, cfg.Gitea.SyncPasswords)
	projects := services.NewProjectService(db, outbox, cfg.Gitea.DefaultBranch)
	members := services.NewProjectMemberService(db, outbox)
	tasks := services.NewTaskService(db, outbox, remote, messages, hub)
	commits := services.NewCommitSync(db, remote)
	relay := services.NewRelay(db, outbox)

	engine := services.NewEngine(db, outbox, cfg.Worker)
	var queue services.EventQueue
	var worker *services.Worker
	scheduledSync := commits
	if remote != nil {
		if err := services.RegisterReconcilers(engine, db, remote, outbox, tasks, messages, &cfg.Gitea); err != nil {
			return nil, err
		}

		queue = services.NewEventQueue(cfg)
		switch q := queue.(type) {
		case *services.LocalQueue:
			q.SetDrainer(engine.DrainKey)
		case *services.AsyncQueue:
			worker = services.NewWorker(cfg)
			worker.SetDrainer(engine.DrainKey)
			if err := worker.Start(); err != nil {
				return nil, fmt.Errorf("start worker: %w", err)
			}
		}
		outbox.SetQueue(queue)
	} else {
		logger.Warn().Msg("gitea is disabled; changes are recorded but not synchronised")
		scheduledSync = nil
	}

	scheduler := services.NewScheduler(db, cfg.Worker, relay, scheduledSync)
	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}

	if err := users.EnsureAdmin(context.Background(), cfg.Admin); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	access := handlers.NewProjectAccess(projects)
	return &appServices{
		db:        db,
		queue:     queue,
		worker:    worker,
		scheduler: scheduler,
		hub:       hub,

		authHandler:      handlers.NewAuthHandler(services.NewAuthService(users, &cfg.JWT), users),
		userHandler:      handlers.NewUserHandler(users),
		projectHandler:   handlers.NewProjectHandler(projects, access),
		memberHandler:    handlers.NewProjectMemberHandler(members, access),
		taskHandler:      handlers.NewTaskHandler(tasks, messages, commits, access),
		outboxHandler:    handlers.NewOutboxHandler(relay, engine),
		sseHandler:       handlers.NewSSEHandler(hub),
		healthHandler:    handlers.NewHealthHandler(db, queue, hub),
		metricsHandler:   handlers.NewMetricsHandler(db, queue, hub),
		systemLogHandler: handlers.NewSystemLogHandler(services.NewSystemLogService(db)),
	}, nil
}

// shutdown stops the background work in reverse start order.
func (s *appServices) shutdown() {
	for _, l := range s.limiters {
		l.Stop()
	}
	s.scheduler.Stop()
	logger.Info().Msg("Scheduler stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			logger.Warn().Err(err).Msg("close event queue")
		}
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
