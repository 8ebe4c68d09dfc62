package handlers

import (
	"net/http"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports on the database, the drain queue and the backlog.
type HealthHandler struct {
	db    *gorm.DB
	queue services.EventQueue
	hub   *services.SSEHub
}

func NewHealthHandler(db *gorm.DB, queue services.EventQueue, hub *services.SSEHub) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, hub: hub}
}

// CheckHealth returns 503 when the database is unreachable.
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall, code := "healthy", http.StatusOK

	dbStatus := "ok"
	if sqlDB, err := h.db.DB(); err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
	}
	if dbStatus != "ok" {
		overall, code = "unhealthy", http.StatusServiceUnavailable
	}

	queueMode := "disabled"
	if h.queue != nil {
		queueMode = "local"
		if h.queue.IsAsync() {
			queueMode = "async (Redis)"
		}
	}

	components := gin.H{
		"database":    dbStatus,
		"queue_mode":  queueMode,
		"sse_clients": h.hub.ClientCount(),
	}
	if dbStatus == "ok" {
		pending, failed := outboxBacklog(h.db)
		components["outbox_pending"] = pending
		components["outbox_failed"] = failed
		if failed > 0 {
			overall = "degraded"
		}
	}

	c.JSON(code, gin.H{
		"status":     overall,
		"service":    "themanager",
		"components": components,
	})
}

func outboxBacklog(db *gorm.DB) (pending, failed int64) {
	db.Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxPending).Count(&pending)
	db.Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxFailed).Count(&failed)
	return pending, failed
}
