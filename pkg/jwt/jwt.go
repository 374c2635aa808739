// Package jwt проверяет токены операторов admin API (RS256).
// Relay только верифицирует токены: их выпускает внешний identity-сервис,
// у relay есть лишь публичный ключ.
package jwt

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator - роль, дающая доступ к admin API.
const RoleOperator = "operator"

var (
	// ErrRevoked - токен отозван.
	ErrRevoked = errors.New("токен отозван")

	// ErrForbidden - у токена нет нужной роли.
	ErrForbidden = errors.New("недостаточно прав")
)

// Claims содержит данные токена оператора.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// RevocationChecker проверяет, отозван ли токен по jti.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier проверяет подпись, срок действия, издателя и отзыв токена.
type Verifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	revoked   RevocationChecker
}

// Config содержит параметры Verifier.
type Config struct {
	PublicKeyPath string // PEM файл публичного ключа
	Issuer        string // Ожидаемый iss (пусто - не проверяется)
}

// NewVerifier создаёт Verifier с ключом из файла.
func NewVerifier(cfg Config, revoked RevocationChecker) (*Verifier, error) {
	key, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}
	return NewVerifierFromKey(key, cfg.Issuer, revoked), nil
}

// NewVerifierFromKey создаёт Verifier с готовым ключом. revoked может быть nil.
func NewVerifierFromKey(key *rsa.PublicKey, issuer string, revoked RevocationChecker) *Verifier {
	return &Verifier{publicKey: key, issuer: issuer, revoked: revoked}
}

// Verify проверяет токен и возвращает claims.
// Токен без роли оператора отклоняется с ErrForbidden.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка валидации токена: %w", err)
	}

	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки отзыва: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}

	if claims.Role != RoleOperator {
		return claims, ErrForbidden
	}

	return claims, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey разбирает PEM блок PKIX ("PUBLIC KEY") или PKCS#1 ("RSA PUBLIC KEY").
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("не удалось декодировать PEM блок")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга публичного ключа: %w", err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
