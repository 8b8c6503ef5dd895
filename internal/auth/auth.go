// Package auth mints and validates the service's short-lived tokens: share
// links for conversations and signed export downloads. User authentication
// itself happens upstream; the admin surface is gated by a bcrypt'd API key.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/quarry-lab/conductor/internal/config"
)

// Token validation failures.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrWrongPurpose = errors.New("auth: token purpose mismatch")
	ErrBadAPIKey    = errors.New("auth: bad admin api key")
)

// Token purposes; a token minted for one surface never opens another.
const (
	PurposeShare  = "share"
	PurposeExport = "export"
)

const issuer = "conductor"

// Claims is the payload of every token the service signs.
type Claims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
	UserID  string `json:"user_id"`
	// ConversationID scopes share tokens to one conversation.
	ConversationID string `json:"conversation_id,omitempty"`
	// ExportID scopes export tokens to one bundle.
	ExportID string `json:"export_id,omitempty"`
}

// Tokens signs and validates the service's JWTs (HS256).
type Tokens struct {
	secret    []byte
	shareTTL  time.Duration
	exportTTL time.Duration
	adminHash string
}

// New builds the token service from configuration.
func New(cfg config.AuthConfig) *Tokens {
	return &Tokens{
		secret:    []byte(cfg.TokenSecret),
		shareTTL:  cfg.ShareTokenTTL,
		exportTTL: cfg.ExportTokenTTL,
		adminHash: cfg.AdminAPIKeyHash,
	}
}

// MintShare issues a share token scoped to one conversation.
func (t *Tokens) MintShare(userID, conversationID string) (string, error) {
	return t.sign(Claims{
		RegisteredClaims: t.registered(t.shareTTL),
		Purpose:          PurposeShare,
		UserID:           userID,
		ConversationID:   conversationID,
	})
}

// MintExport issues a download token scoped to one export bundle.
func (t *Tokens) MintExport(userID, exportID string) (string, error) {
	return t.sign(Claims{
		RegisteredClaims: t.registered(t.exportTTL),
		Purpose:          PurposeExport,
		UserID:           userID,
		ExportID:         exportID,
	})
}

func (t *Tokens) registered(ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (t *Tokens) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and checks its purpose.
func (t *Tokens) Validate(tokenString, purpose string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Purpose != purpose {
		return nil, ErrWrongPurpose
	}
	return &claims, nil
}

// CheckAdminKey compares a presented API key against the configured bcrypt
// hash. An empty hash disables the admin surface entirely.
func (t *Tokens) CheckAdminKey(key string) error {
	if t.adminHash == "" {
		return ErrBadAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.adminHash), []byte(key)); err != nil {
		return ErrBadAPIKey
	}
	return nil
}

// AdminEnabled reports whether an admin key hash is configured.
func (t *Tokens) AdminEnabled() bool { return t.adminHash != "" }
