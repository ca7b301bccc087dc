package jobs

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue stores tasks in a Redis list: LPUSH to enqueue, BRPOP to take.
type RedisQueue struct {
	client      *redis.Client
	key         string
	deadKey     string
	pollTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "marketplace:jobs"
	}
	return &RedisQueue{
		client:      client,
		key:         key,
		deadKey:     key + ":dead",
		pollTimeout: 2 * time.Second,
	}
}

func (q *RedisQueue) Dispatch(ctx context.Context, task Task) error {
	payload, err := encode(stamp(ctx, task))
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) Receive(ctx context.Context) (Task, error) {
	for {
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Task{}, ErrQueueClosed
			}
			return Task{}, err
		}
		// BRPOP answers [key, value].
		if len(res) != 2 {
			continue
		}
		return decode([]byte(res[1]))
	}
}

func (q *RedisQueue) DeadLetter(ctx context.Context, task Task) error {
	payload, err := encode(task)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.deadKey, payload).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
