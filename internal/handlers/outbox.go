package handlers

import (
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/internal/services"
	"github.com/FernandoVinha/TheManager/pkg/response"
	"github.com/gin-gonic/gin"
)

// OutboxHandler exposes the change event source to operators and to CRUD
// layers that commit outside this service.
type OutboxHandler struct {
	relay  *services.Relay
	engine *services.Engine
}

func NewOutboxHandler(relay *services.Relay, engine *services.Engine) *OutboxHandler {
	return &OutboxHandler{relay: relay, engine: engine}
}

// List returns outbox events, newest first
// GET /api/outbox?status=failed
func (h *OutboxHandler) List(c *gin.Context) {
	var req services.OutboxListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	resp, err := h.relay.List(&req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, resp)
}

// Retry re-queues one failed event
// POST /api/outbox/:id/retry
func (h *OutboxHandler) Retry(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ev, err := h.relay.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, ev)
}

type replayRequest struct {
	EntityType string `json:"entity_type"`
}

// Replay re-queues every failed event, optionally of one entity type
// POST /api/outbox/replay
func (h *OutboxHandler) Replay(c *gin.Context) {
	var req replayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	var entity models.EntityType
	if req.EntityType != "" {
		var err error
		if entity, err = models.ParseEntityType(req.EntityType); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	n, err := h.relay.ReplayFailed(c.Request.Context(), entity)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, gin.H{"replayed": n})
}

type drainRequest struct {
	Key string `json:"key" binding:"required"`
}

// Drain delivers a key's pending events in the request
// POST /api/outbox/drain
func (h *OutboxHandler) Drain(c *gin.Context) {
	var req drainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.engine.DrainKey(c.Request.Context(), req.Key); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"key": req.Key})
}

// Commit records a change committed by an external CRUD layer
// POST /api/events
func (h *OutboxHandler) Commit(c *gin.Context) {
	var notice services.ChangeNotice
	if err := c.ShouldBindJSON(&notice); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if _, err := models.ParseEntityType(string(notice.EntityType)); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ev, err := h.engine.OnEntityCommitted(c.Request.Context(), notice)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, ev)
}
