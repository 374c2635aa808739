// Package offsets хранит подтверждённые offsets партиций по группам потребителей.
package offsets

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// prefixOffsets - offsets:{group}:{topic} → hash {partition: offset}
const prefixOffsets = "offsets:"

// RedisStore хранит offsets в Redis: один hash на пару (группа, топик).
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore создаёт хранилище offsets поверх клиента Redis.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func key(group, topic string) string {
	return prefixOffsets + group + ":" + topic
}

// Load возвращает сохранённый offset партиции. ok == false, если offset не сохранялся.
func (s *RedisStore) Load(ctx context.Context, group, topic string, partition int) (int64, bool, error) {
	val, err := s.redis.HGet(ctx, key(group, topic), strconv.Itoa(partition)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ошибка чтения offset из Redis: %w", err)
	}

	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("некорректный offset %q в Redis: %w", val, err)
	}
	return offset, true, nil
}

// Save сохраняет offset партиции.
func (s *RedisStore) Save(ctx context.Context, group, topic string, partition int, offset int64) error {
	if err := s.redis.HSet(ctx, key(group, topic), strconv.Itoa(partition), offset).Err(); err != nil {
		return fmt.Errorf("ошибка сохранения offset в Redis: %w", err)
	}
	return nil
}

// All возвращает все offsets группы по топику.
func (s *RedisStore) All(ctx context.Context, group, topic string) (map[int]int64, error) {
	vals, err := s.redis.HGetAll(ctx, key(group, topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения offsets из Redis: %w", err)
	}

	out := make(map[int]int64, len(vals))
	for field, val := range vals {
		p, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		o, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[p] = o
	}
	return out, nil
}
