package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/hibiken/asynq"
)

// Worker consumes drain tasks from Redis.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	drain   Drainer
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.Config) *Worker {
	if !cfg.Redis.Enabled {
		return nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Worker.Shards,
			Queues: map[string]int{
				outboxQueueName: 1,
			},
			RetryDelayFunc: drainRetryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				if errors.Is(err, ErrKeyBusy) {
					return
				}
				logger.Warn().Err(err).Str("type", task.Type()).Msg("drain task failed")
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// drainRetryDelay retries busy keys quickly; other failures back off.
func drainRetryDelay(n int, err error, task *asynq.Task) time.Duration {
	if errors.Is(err, ErrKeyBusy) {
		return 2 * time.Second
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

func (w *Worker) SetDrainer(d Drainer) {
	w.drain = d
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeOutboxDrain, w.handleDrain)

	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] Starting drain worker...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] Server error: %v", err)
		}
	}()

	return nil
}

// Stop waits for in-flight drains to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleDrain(ctx context.Context, t *asynq.Task) error {
	var payload DrainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		// A malformed payload will never parse; do not retry it.
		return errors.Join(err, asynq.SkipRetry)
	}
	if w.drain == nil {
		logger.Warn().Str("key", payload.Key).Msg("no drainer set")
		return nil
	}
	return w.drain(ctx, payload.Key)
}
