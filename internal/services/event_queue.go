package services

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

const (
	TaskTypeOutboxDrain = "outbox:drain"
	outboxQueueName     = "outbox"
)

var ErrQueueClosed = errors.New("event queue is closed")

// Drainer applies every pending event of one key.
type Drainer func(ctx context.Context, key string) error

// DrainPayload is the asynq task body.
type DrainPayload struct {
	Key string `json:"key"`
}

// EventQueue wakes drains for keys with pending outbox events.
type EventQueue interface {
	// Enqueue schedules a drain of key. Duplicate keys may be coalesced.
	Enqueue(key string) error
	// IsAsync returns true if drains run in a separate worker process
	IsAsync() bool
	Close() error
}

// NewEventQueue picks the Redis-backed queue when configured and reachable,
// otherwise the in-process sharded queue.
func NewEventQueue(cfg *config.Config) EventQueue {
	if cfg.Redis.Enabled {
		queue, err := NewAsyncQueue(&cfg.Redis, cfg.Worker.MaxDeliveries)
		if err != nil {
			logger.Infof("[EventQueue] Redis unavailable, falling back to local queue: %v", err)
			return NewLocalQueue(cfg.Worker.Shards)
		}
		logger.Infof("[EventQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
		return queue
	}
	logger.Infof("[EventQueue] Local queue initialized with %d shards (Redis disabled)", cfg.Worker.Shards)
	return NewLocalQueue(cfg.Worker.Shards)
}

// AsyncQueue hands keys to asynq workers.
type AsyncQueue struct {
	client   *asynq.Client
	maxRetry int
}

func NewAsyncQueue(cfg *config.RedisConfig, maxRetry int) (*AsyncQueue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client, maxRetry: maxRetry}, nil
}

// Enqueue never deduplicates: a wakeup dropped while a drain is finishing
// would strand the events committed after the drain's last read.
func (q *AsyncQueue) Enqueue(key string) error {
	payload, err := json.Marshal(DrainPayload{Key: key})
	if err != nil {
		return err
	}

	info, err := q.client.Enqueue(asynq.NewTask(TaskTypeOutboxDrain, payload),
		asynq.Queue(outboxQueueName),
		asynq.MaxRetry(q.maxRetry),
	)
	if err != nil {
		return err
	}

	logger.Debug().Str("task_id", info.ID).Str("key", key).Msg("drain enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error { return q.client.Close() }

// LocalQueue drains keys in-process. Keys hash onto a fixed set of shards;
// each shard runs one drain at a time, so a key is never drained
// concurrently with itself inside this process.
type LocalQueue struct {
	shards     []chan string
	retryDelay time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	drain   Drainer
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewLocalQueue(shards int) *LocalQueue {
	if shards < 1 {
		shards = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	q := &LocalQueue{
		shards:     make([]chan string, shards),
		retryDelay: 5 * time.Second,
		pending:    make(map[string]struct{}),
		ctx:        gctx,
		cancel:     cancel,
		group:      group,
	}
	for i := range q.shards {
		ch := make(chan string, 256)
		q.shards[i] = ch
		group.Go(func() error {
			q.run(ch)
			return nil
		})
	}
	return q
}

// SetDrainer installs the function applied to each woken key.
func (q *LocalQueue) SetDrainer(d Drainer) {
	q.mu.Lock()
	q.drain = d
	q.mu.Unlock()
}

// SetRetryDelay sets how long a key that failed to drain waits before it is
// woken again.
func (q *LocalQueue) SetRetryDelay(d time.Duration) {
	q.mu.Lock()
	q.retryDelay = d
	q.mu.Unlock()
}

func (q *LocalQueue) Enqueue(key string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := q.pending[key]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.shards[shardFor(key, len(q.shards))] <- key:
		return nil
	default:
		q.mu.Lock()
		delete(q.pending, key)
		q.mu.Unlock()
		return errors.New("shard buffer full")
	}
}

func (q *LocalQueue) run(ch <-chan string) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case key := <-ch:
			// Forget the key before draining so a notify that races with
			// this drain schedules another pass.
			q.mu.Lock()
			delete(q.pending, key)
			drain := q.drain
			delay := q.retryDelay
			q.mu.Unlock()

			if drain == nil {
				logger.Warn().Str("key", key).Msg("no drainer set, key dropped")
				continue
			}
			if err := drain(q.ctx, key); err != nil && q.ctx.Err() == nil {
				logger.Debug().Err(err).Str("key", key).Dur("retry_in", delay).Msg("drain incomplete")
				time.AfterFunc(delay, func() { _ = q.Enqueue(key) })
			}
		}
	}
}

func (q *LocalQueue) IsAsync() bool { return false }

// Close stops the shards after their current drain returns.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	return q.group.Wait()
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
