package services

import (
	"sync"
	"time"

	"github.com/FernandoVinha/TheManager/internal/models"
)

// TaskEvent is a live update about a task: a new audit message or a status
// change applied by automation.
type TaskEvent struct {
	TaskID    uint                `json:"task_id"`
	ProjectID uint                `json:"project_id,omitempty"`
	Type      string              `json:"type"` // message, status
	Agent     models.MessageAgent `json:"agent,omitempty"`
	Text      string              `json:"text,omitempty"`
	Status    models.TaskStatus   `json:"status,omitempty"`
	At        time.Time           `json:"at"`
}

// SSEHub fans task events out to connected clients.
type SSEHub struct {
	clients map[string]chan TaskEvent
	mu      sync.RWMutex
}

func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[string]chan TaskEvent),
	}
}

// Subscribe registers a client and returns its event channel.
func (h *SSEHub) Subscribe(clientID string) <-chan TaskEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan TaskEvent, 100)
	h.clients[clientID] = ch
	return ch
}

func (h *SSEHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

// Publish broadcasts an event. Slow clients miss events rather than block
// the publisher.
func (h *SSEHub) Publish(event TaskEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
