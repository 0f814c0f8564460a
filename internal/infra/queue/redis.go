package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tweetkeeper/internal/domain"
)

// RedisMediaQueue реализует очередь задач на базе Redis lists.
type RedisMediaQueue struct {
	client *redis.Client
	key    string
}

// NewRedisMediaQueue создаёт очередь по указанному ключу.
func NewRedisMediaQueue(client *redis.Client, key string) *RedisMediaQueue {
	return &RedisMediaQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisMediaQueue) Enqueue(ctx context.Context, job domain.MediaJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisMediaQueue) Pop(ctx context.Context) (domain.MediaJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.MediaJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.MediaJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.MediaJob{}, err
		}
		if len(res) != 2 {
			return domain.MediaJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.MediaJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.MediaJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
