package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the Redis-backed dispatcher: tasks are LPUSHed onto a list
// and consumed with a blocking pop by a worker goroutine, so queued work
// survives a process restart.
type RedisQueue struct {
	client   *redis.Client
	key      string
	maxDepth int64
	mu       sync.RWMutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRedisQueue connects to Redis and starts the consumer.
func NewRedisQueue(redisURL string, queueSize int) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return newRedisQueue(client, queueSize), nil
}

// NewRedisQueueWithClient builds a queue from an existing client.
func NewRedisQueueWithClient(client *redis.Client, queueSize int) *RedisQueue {
	return newRedisQueue(client, queueSize)
}

func newRedisQueue(client *redis.Client, queueSize int) *RedisQueue {
	if queueSize <= 0 {
		queueSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue{
		client:   client,
		key:      "tasks:queue",
		maxDepth: int64(queueSize),
		handlers: make(map[string]Handler),
		cancel:   cancel,
	}
	q.wg.Add(1)
	go q.loop(ctx)
	return q
}

func (q *RedisQueue) Handle(kind string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

func (q *RedisQueue) Submit(task Task) error {
	q.mu.RLock()
	_, known := q.handlers[task.Kind]
	q.mu.RUnlock()
	if !known {
		return ErrUnknownKind
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	if depth >= q.maxDepth {
		return ErrQueueFull
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) loop(ctx context.Context) {
	defer q.wg.Done()
	for {
		values, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			log.Printf("task queue pop: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(values[1]), &task); err != nil {
			log.Printf("task queue: malformed task dropped: %v", err)
			continue
		}
		q.run(task)
	}
}

func (q *RedisQueue) run(task Task) {
	q.mu.RLock()
	handler := q.handlers[task.Kind]
	q.mu.RUnlock()
	if handler == nil {
		log.Printf("task %s dropped: no handler", task.Kind)
		return
	}
	if err := handler(context.Background(), task.Payload); err != nil {
		log.Printf("task %s failed: %v", task.Kind, err)
	}
}

func (q *RedisQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}
