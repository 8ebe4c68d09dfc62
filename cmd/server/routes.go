package main

import (
	"github.com/FernandoVinha/TheManager/internal/middleware"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/gin-gonic/gin"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices, allowOrigins []string) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(allowOrigins...))

	// Login and external change notices are rate limited per client IP.
	loginLimiter := middleware.NewRateLimiter(1, 5)
	eventLimiter := middleware.NewRateLimiter(20, 40)
	svc.limiters = append(svc.limiters, loginLimiter, eventLimiter)

	r.GET("/health", svc.healthHandler.CheckHealth)
	r.GET("/metrics", svc.metricsHandler.Metrics)

	api := r.Group("/api")
	{
		api.POST("/auth/login", loginLimiter.Middleware(), svc.authHandler.Login)

		protected := api.Group("")
		protected.Use(middleware.AuthRequired(), middleware.AuditLog())
		{
			// Auth
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)
			protected.PUT("/auth/password", svc.authHandler.ChangePassword)
			protected.POST("/auth/logout", svc.authHandler.Logout)

			// Task event stream; browsers pass ?token=
			protected.GET("/events/tasks", svc.sseHandler.StreamTaskEvents)

			// Projects. Per-project roles are checked in the handlers.
			protected.GET("/projects", svc.projectHandler.List)
			protected.GET("/projects/:id", svc.projectHandler.GetByID)
			protected.POST("/projects", middleware.MinRole(models.UserRoleManager), svc.projectHandler.Create)
			protected.PUT("/projects/:id", svc.projectHandler.Update)
			protected.DELETE("/projects/:id", svc.projectHandler.Delete)

			// Members
			protected.GET("/projects/:id/members", svc.memberHandler.List)
			protected.POST("/projects/:id/members", svc.memberHandler.Add)
			protected.PUT("/projects/:id/members/:user_id", svc.memberHandler.UpdateRole)
			protected.DELETE("/projects/:id/members/:user_id", svc.memberHandler.Remove)

			// Tasks
			protected.GET("/projects/:id/tasks", svc.taskHandler.List)
			protected.POST("/projects/:id/tasks", svc.taskHandler.Create)
			protected.GET("/tasks/:id", svc.taskHandler.GetByID)
			protected.PUT("/tasks/:id", svc.taskHandler.Update)
			protected.PUT("/tasks/:id/status", svc.taskHandler.ChangeStatus)
			protected.DELETE("/tasks/:id", svc.taskHandler.Delete)
			protected.POST("/tasks/:id/fork", svc.taskHandler.ProvisionFork)
			protected.GET("/tasks/:id/messages", svc.taskHandler.Messages)
			protected.POST("/tasks/:id/messages", svc.taskHandler.AddComment)
			protected.GET("/tasks/:id/commits", svc.taskHandler.Commits)
			protected.POST("/tasks/:id/commits/sync", svc.taskHandler.SyncCommits)
		}

		// Admin only routes
		admin := api.Group("")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired(), middleware.AuditLog())
		{
			// Users
			admin.GET("/users", svc.userHandler.List)
			admin.GET("/users/:id", svc.userHandler.GetByID)
			admin.POST("/users", svc.userHandler.Create)
			admin.PUT("/users/:id", svc.userHandler.Update)
			admin.PUT("/users/:id/password", svc.userHandler.SetPassword)
			admin.DELETE("/users/:id", svc.userHandler.Delete)

			// Outbox operations
			admin.GET("/outbox", svc.outboxHandler.List)
			admin.POST("/outbox/:id/retry", svc.outboxHandler.Retry)
			admin.POST("/outbox/replay", svc.outboxHandler.Replay)
			admin.POST("/outbox/drain", svc.outboxHandler.Drain)
			admin.POST("/events", eventLimiter.Middleware(), svc.outboxHandler.Commit)

			// System Logs
			admin.GET("/system-logs", svc.systemLogHandler.List)
			admin.GET("/system-logs/modules", svc.systemLogHandler.GetModules)
		}
	}
}
