package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"example.com/msgrelay/pkg/jwt"
	"example.com/msgrelay/pkg/logger"
)

// TokenVerifier проверяет токен оператора.
// Позволяет мокировать jwt.Verifier в тестах.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*jwt.Claims, error)
}

// RequireOperator пропускает только запросы с валидным токеном оператора.
func RequireOperator(verifier TokenVerifier, base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx, base)

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "Требуется авторизация",
			})
			return
		}

		claims, err := verifier.Verify(ctx, token)
		if errors.Is(err, jwt.ErrForbidden) {
			event := log.Warn()
			if claims != nil {
				event = event.Str("subject", claims.Subject).Str("role", claims.Role)
			}
			event.Msg("Доступ без роли оператора")
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:   "forbidden",
				Message: "Недостаточно прав",
			})
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "Невалидный токен",
			})
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// bearerToken извлекает токен из заголовка "Authorization: Bearer <token>".
func bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
