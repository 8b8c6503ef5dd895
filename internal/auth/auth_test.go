package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/quarry-lab/conductor/internal/config"
)

func newTokens(t *testing.T, mutate func(*config.AuthConfig)) *Tokens {
	t.Helper()
	cfg := config.AuthConfig{
		TokenSecret:    "test-secret",
		ShareTokenTTL:  time.Hour,
		ExportTokenTTL: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestShareTokenRoundTrip(t *testing.T) {
	tokens := newTokens(t, nil)

	signed, err := tokens.MintShare("user-1", "conv-42")
	require.NoError(t, err)

	claims, err := tokens.Validate(signed, PurposeShare)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "conv-42", claims.ConversationID)
	assert.Empty(t, claims.ExportID)
}

func TestExportTokenRoundTrip(t *testing.T) {
	tokens := newTokens(t, nil)

	signed, err := tokens.MintExport("user-1", "export-7")
	require.NoError(t, err)

	claims, err := tokens.Validate(signed, PurposeExport)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "export-7", claims.ExportID)
}

func TestPurposeMismatchRejected(t *testing.T) {
	tokens := newTokens(t, nil)

	signed, err := tokens.MintShare("user-1", "conv-42")
	require.NoError(t, err)

	_, err = tokens.Validate(signed, PurposeExport)
	assert.ErrorIs(t, err, ErrWrongPurpose)
}

func TestExpiredTokenRejected(t *testing.T) {
	tokens := newTokens(t, func(cfg *config.AuthConfig) {
		cfg.ShareTokenTTL = -time.Minute
	})

	signed, err := tokens.MintShare("user-1", "conv-42")
	require.NoError(t, err)

	_, err = tokens.Validate(signed, PurposeShare)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestWrongSecretRejected(t *testing.T) {
	minter := newTokens(t, nil)
	verifier := newTokens(t, func(cfg *config.AuthConfig) {
		cfg.TokenSecret = "other-secret"
	})

	signed, err := minter.MintShare("user-1", "conv-42")
	require.NoError(t, err)

	_, err = verifier.Validate(signed, PurposeShare)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGarbageTokenRejected(t *testing.T) {
	tokens := newTokens(t, nil)

	_, err := tokens.Validate("not.a.jwt", PurposeShare)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAdminKeyCheck(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.MinCost)
	require.NoError(t, err)

	tokens := newTokens(t, func(cfg *config.AuthConfig) {
		cfg.AdminAPIKeyHash = string(hash)
	})
	assert.True(t, tokens.AdminEnabled())
	assert.NoError(t, tokens.CheckAdminKey("swordfish"))
	assert.ErrorIs(t, tokens.CheckAdminKey("marlin"), ErrBadAPIKey)
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	tokens := newTokens(t, nil)
	assert.False(t, tokens.AdminEnabled())
	assert.ErrorIs(t, tokens.CheckAdminKey("anything"), ErrBadAPIKey)
}
