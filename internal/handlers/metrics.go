package handlers

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

type MetricsHandler struct {
	db    *gorm.DB
	queue services.EventQueue
	hub   *services.SSEHub
}

func NewMetricsHandler(db *gorm.DB, queue services.EventQueue, hub *services.SSEHub) *MetricsHandler {
	return &MetricsHandler{db: db, queue: queue, hub: hub}
}

// Metrics returns Prometheus text format gauges.
// GET /metrics
func (h *MetricsHandler) Metrics(c *gin.Context) {
	var b strings.Builder

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeGauge(&b, "themanager_uptime_seconds", "Time since server start in seconds", time.Since(startTime).Seconds())
	writeGauge(&b, "themanager_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	writeGauge(&b, "themanager_memory_alloc_bytes", "Current heap allocation in bytes", float64(m.Alloc))

	if sqlDB, err := h.db.DB(); err == nil {
		stats := sqlDB.Stats()
		writeGauge(&b, "themanager_db_open_connections", "Number of open DB connections", float64(stats.OpenConnections))
		writeGauge(&b, "themanager_db_in_use_connections", "Number of in-use DB connections", float64(stats.InUse))
	}

	writeGauge(&b, "themanager_sse_active_clients", "Number of active SSE connections", float64(h.hub.ClientCount()))
	queueAsync := 0.0
	if h.queue != nil && h.queue.IsAsync() {
		queueAsync = 1.0
	}
	writeGauge(&b, "themanager_queue_async_enabled", "Whether the Redis drain queue is enabled (1=yes, 0=no)", queueAsync)

	pending, failed := outboxBacklog(h.db)
	writeGauge(&b, "themanager_outbox_pending", "Outbox events waiting for delivery", float64(pending))
	writeGauge(&b, "themanager_outbox_failed", "Outbox events that need an operator", float64(failed))

	var oldest models.OutboxEvent
	lag := 0.0
	if err := h.db.Where("status = ?", models.OutboxPending).Order("id ASC").Limit(1).Find(&oldest).Error; err == nil && oldest.ID != 0 {
		lag = time.Since(oldest.CommittedAt).Seconds()
	}
	writeGauge(&b, "themanager_outbox_lag_seconds", "Age of the oldest pending outbox event", lag)

	for _, state := range []models.RunState{models.RunIdle, models.RunPRCreated, models.RunMerged, models.RunFailed} {
		var n int64
		h.db.Model(&models.AutomationRun{}).Where("state = ?", state).Count(&n)
		writeGaugeLabel(&b, "themanager_automation_runs", "state", string(state), float64(n))
	}

	for _, entity := range []struct {
		name  string
		model interface{}
	}{{"user", &models.User{}}, {"project", &models.Project{}}, {"project_member", &models.ProjectMember{}}} {
		var n int64
		h.db.Model(entity.model).Where("sync_state = ?", models.SyncFailed).Count(&n)
		writeGaugeLabel(&b, "themanager_sync_failed", "entity", entity.name, float64(n))
	}

	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %g\n\n", name, value)
}

// writeGaugeLabel writes one labelled sample.
func writeGaugeLabel(b *strings.Builder, name, label, value string, v float64) {
	fmt.Fprintf(b, "%s{%s=%q} %g\n", name, label, value, v)
}
