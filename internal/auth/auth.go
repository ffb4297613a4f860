// Package auth identifies the user behind an HTTP request from a bearer JWT
// or a static API key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/chatturn/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// DefaultIssuer is the iss claim of issued tokens.
const DefaultIssuer = "chatturn"

// Config configures request authentication.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	Issuer      string
	APIKeys     []APIKeyConfig

	// DevUserID, when set, identifies requests that carry no credentials.
	// Intended for local development only.
	DevUserID string
}

// APIKeyConfig declares a static API key and the identity it grants.
type APIKeyConfig struct {
	Key    string
	UserID string
	Email  string
	Name   string
}

// Service validates credentials.
type Service struct {
	jwt     *JWTService
	apiKeys []apiKey
	devUser *models.User
}

type apiKey struct {
	key  []byte
	user *models.User
}

// NewService builds a service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{apiKeys: buildAPIKeys(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry, cfg.Issuer)
	}
	if id := strings.TrimSpace(cfg.DevUserID); id != "" {
		service.devUser = &models.User{ID: id, Name: "Developer"}
	}
	return service
}

// Enabled reports whether any credential type is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// DevUser returns the identity for credential-less requests, if configured.
func (s *Service) DevUser() (*models.User, bool) {
	if s == nil || s.devUser == nil {
		return nil, false
	}
	return s.devUser, true
}

// GenerateJWT issues a signed token for user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a token and returns its user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey returns the user bound to key. Every configured key is
// compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(key))
	var matched *models.User
	for _, entry := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, entry.key) == 1 {
			matched = entry.user
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

// buildAPIKeys skips blank keys. A key without a user id gets a stable id
// derived from its hash.
func buildAPIKeys(keys []APIKeyConfig) []apiKey {
	out := make([]apiKey, 0, len(keys))
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "key_" + hex.EncodeToString(sum[:8])
		}
		out = append(out, apiKey{
			key: []byte(key),
			user: &models.User{
				ID:    userID,
				Email: strings.TrimSpace(entry.Email),
				Name:  strings.TrimSpace(entry.Name),
			},
		})
	}
	return out
}
