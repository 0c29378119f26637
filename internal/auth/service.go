package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-pilgrimhub/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 30 * 24 * time.Hour

	minKeyLength = 12
)

var ErrInvalidCredentials = errors.New("invalid device credentials")

type Service struct {
	secret []byte
	db     db.Querier
}

type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

var (
	hashKeyFn         = bcrypt.GenerateFromPassword
	signTokenFn       = (*Service).signToken
	parseWithClaimsFn = jwt.ParseWithClaims
)

func NewService(secret string, db db.Querier) *Service {
	return &Service{
		secret: []byte(secret),
		db:     db,
	}
}

// Enroll registers a device and its shared key. The key is stored as a bcrypt hash only.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (Device, TokenResponse, error) {
	if req.Name == "" || len(req.Key) < minKeyLength {
		return Device{}, TokenResponse{}, fmt.Errorf("name and a key of at least %d characters required", minKeyLength)
	}
	hash, err := hashKeyFn([]byte(req.Key), bcrypt.DefaultCost)
	if err != nil {
		return Device{}, TokenResponse{}, err
	}

	device := Device{ID: req.DeviceID, Name: req.Name, KeyHash: string(hash)}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO devices (id, name, key_hash)
		VALUES ($1,$2,$3)
		RETURNING created_at
	`, device.ID, device.Name, device.KeyHash)
	if err := row.Scan(&device.CreatedAt); err != nil {
		return Device{}, TokenResponse{}, err
	}

	tokens, err := s.GenerateTokens(ctx, device.ID)
	if err != nil {
		return Device{}, TokenResponse{}, err
	}
	return device, tokens, nil
}

func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (Device, TokenResponse, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, key_hash, created_at
		FROM devices WHERE id = $1 AND revoked_at IS NULL
	`, req.DeviceID)

	var device Device
	if err := row.Scan(&device.ID, &device.Name, &device.KeyHash, &device.CreatedAt); err != nil {
		return Device{}, TokenResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(device.KeyHash), []byte(req.Key)); err != nil {
		return Device{}, TokenResponse{}, ErrInvalidCredentials
	}

	tokens, err := s.GenerateTokens(ctx, device.ID)
	if err != nil {
		return Device{}, TokenResponse{}, err
	}
	return device, tokens, nil
}

func (s *Service) GenerateTokens(ctx context.Context, deviceID string) (TokenResponse, error) {
	access, err := signTokenFn(s, deviceID, accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	refresh, err := signTokenFn(s, deviceID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := s.saveRefreshToken(ctx, refresh, deviceID, refreshTokenTTL); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}

	deviceID, expiresAt, err := s.lookupRefreshToken(ctx, token)
	if err != nil || deviceID != claims.DeviceID || time.Now().After(expiresAt) {
		return "", errors.New("refresh token invalid")
	}
	return claims.DeviceID, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

// DeviceTokenSource mints short-lived access tokens for the sync executor of a device that
// shares the backend signing secret.
func DeviceTokenSource(secret, deviceID string) func() (string, error) {
	svc := NewService(secret, nil)
	return func() (string, error) {
		return signTokenFn(svc, deviceID, accessTokenTTL)
	}
}

func (s *Service) signToken(deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token string) (*Claims, error) {
	parsed, err := parseWithClaimsFn(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func (s *Service) saveRefreshToken(ctx context.Context, token, deviceID string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_tokens (id, device_id, token, expires_at)
		VALUES ($1,$2,$3,$4)
	`, uuid.NewString(), deviceID, token, time.Now().Add(ttl))
	return err
}

func (s *Service) lookupRefreshToken(ctx context.Context, token string) (string, time.Time, error) {
	row := s.db.QueryRow(ctx, `
		SELECT device_id, expires_at
		FROM refresh_tokens
		WHERE token = $1 AND revoked_at IS NULL
	`, token)
	var deviceID string
	var expiresAt time.Time
	if err := row.Scan(&deviceID, &expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return deviceID, expiresAt, nil
}
