package devices

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/envutil"
)

// TokenService signs and verifies the X-Device-ID attestation tokens edge
// devices present on single-file uploads.
type TokenService interface {
	Issue(deviceID string, ttl time.Duration) (string, error)
	Verify(token string) (deviceID string, err error)
}

type tokenService struct {
	secret []byte
	issuer string
}

type deviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

func NewTokenService() (TokenService, error) {
	secret := strings.TrimSpace(envutil.Str("DEVICE_TOKEN_SECRET", ""))
	if secret == "" {
		return nil, fmt.Errorf("missing DEVICE_TOKEN_SECRET")
	}
	return &tokenService{
		secret: []byte(secret),
		issuer: envutil.Str("DEVICE_TOKEN_ISSUER", "lifelog"),
	}, nil
}

func (s *tokenService) Issue(deviceID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", domain.ErrInvalidInput
	}
	now := time.Now()
	claims := deviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

func (s *tokenService) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(token),
		&deviceClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return "", fmt.Errorf("verify device token: %w", err)
	}
	claims, ok := parsed.Claims.(*deviceClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.DeviceID) == "" {
		return "", fmt.Errorf("invalid device token claims")
	}
	return claims.DeviceID, nil
}
