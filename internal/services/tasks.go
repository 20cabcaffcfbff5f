package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("task queue closed")

type task struct {
	fn func(ctx context.Context) error
}

// TaskQueue runs functions on a fixed set of workers. Tasks with the same key
// always land on the same worker and run in submission order, so events for
// one conversation never run concurrently with each other.
type TaskQueue struct {
	shards []chan task
	log    *zap.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started bool
}

func NewTaskQueue(shards, depth int, log *zap.Logger) *TaskQueue {
	if shards <= 0 {
		shards = 1
	}
	if depth <= 0 {
		depth = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &TaskQueue{shards: make([]chan task, shards), log: log}
	for i := range q.shards {
		q.shards[i] = make(chan task, depth)
	}
	return q
}

// Start launches one worker per shard. Workers exit when the queue is closed
// and drained.
func (q *TaskQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i, ch := range q.shards {
		q.wg.Add(1)
		go func(shard int, ch chan task) {
			defer q.wg.Done()
			for t := range ch {
				if err := t.fn(ctx); err != nil {
					q.log.Warn("task failed", zap.Int("shard", shard), zap.Error(err))
				}
			}
		}(i, ch)
	}
}

func (q *TaskQueue) shard(key string) chan task {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func (q *TaskQueue) enqueue(ctx context.Context, key string, t task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.shard(key) <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn without waiting for it to run.
func (q *TaskQueue) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return q.enqueue(ctx, key, task{fn: fn})
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	started := q.started
	q.mu.Unlock()
	if started {
		q.wg.Wait()
	}
}
