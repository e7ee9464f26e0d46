package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"call-bridge/internal/config"
)

var (
	ErrSecretRequired = errors.New("auth: STATUS_JWT_SECRET is required")
	ErrInvalidToken   = errors.New("auth: invalid token")
)

// Manager issues and verifies HS256 operator tokens.
type Manager struct {
	secret []byte
	issuer string
}

func NewManager(cfg config.StatusConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrSecretRequired
	}
	return &Manager{secret: []byte(cfg.JWTSecret), issuer: cfg.JWTIssuer}, nil
}

func (m *Manager) Issue(now time.Time, subject, role string, ttl time.Duration) (string, error) {
	if subject == "" || role == "" {
		return "", errors.New("auth: subject and role required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Claims{}, errors.Join(ErrInvalidToken, errors.New("subject missing"))
	}
	if claims.Role == "" {
		return Claims{}, errors.Join(ErrInvalidToken, errors.New("role missing"))
	}
	return claims, nil
}
