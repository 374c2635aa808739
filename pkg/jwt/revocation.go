package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const prefixRevoked = "admin:jwt:revoked:" // admin:jwt:revoked:{jti}

// Revocations хранит отозванные токены в Redis.
type Revocations struct {
	redis redis.UniversalClient
}

// NewRevocations создаёт хранилище отозванных токенов.
func NewRevocations(client redis.UniversalClient) *Revocations {
	return &Revocations{redis: client}
}

// Revoke отзывает токен до момента его истечения.
// TTL ключа = время до истечения токена (автоочистка).
func (r *Revocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil // Токен уже истёк
	}

	if err := r.redis.Set(ctx, prefixRevoked+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("ошибка отзыва токена: %w", err)
	}
	return nil
}

// IsRevoked проверяет, отозван ли токен.
func (r *Revocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.redis.Exists(ctx, prefixRevoked+jti).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки отзыва: %w", err)
	}
	return n > 0, nil
}
