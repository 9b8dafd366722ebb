// Package auth implements the thin basic-auth credential lookup the
// Submission API handlers depend on: token-id/secret verification against
// the team_tokens table, and startup seeding from configuration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixcc-finals/capi-scoring/pkg/store"
	"github.com/aixcc-finals/capi-scoring/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials covers both an unknown token id and a wrong secret;
// callers must not distinguish the two in their response.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Authenticator verifies basic-auth credentials against the token store.
type Authenticator struct {
	store store.Store
}

// New builds an Authenticator backed by s.
func New(s store.Store) *Authenticator {
	return &Authenticator{store: s}
}

// Verify looks up id and checks secret against its stored bcrypt hash.
func (a *Authenticator) Verify(ctx context.Context, id, secret string) (*types.TeamToken, error) {
	token, err := a.store.GetTokenByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup token: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(token.PasswordHash), []byte(secret)) != nil {
		return nil, ErrInvalidCredentials
	}
	return token, nil
}

// HashSecret bcrypt-hashes a plaintext token secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(hash), nil
}

// Seed upserts one TeamToken per preload entry (and marks admins), run
// once at startup from config.AuthConfig.
func Seed(ctx context.Context, s store.Store, preload map[string]string, admins []string) error {
	adminSet := make(map[string]bool, len(admins))
	for _, id := range admins {
		adminSet[id] = true
	}

	for id, secret := range preload {
		hash, err := HashSecret(secret)
		if err != nil {
			return err
		}
		token := &types.TeamToken{
			ID:           id,
			Name:         id,
			PasswordHash: hash,
			IsAdmin:      adminSet[id],
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.CreateToken(ctx, token); err != nil {
			return fmt.Errorf("auth: seed token %s: %w", id, err)
		}
	}
	return nil
}
