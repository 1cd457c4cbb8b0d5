package webhook

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradepulse/engine/internal/apperr"
	"github.com/tradepulse/engine/pkg/logger"
	"github.com/tradepulse/engine/pkg/models"
)

const tokenBytes = 32 // 43 chars after base64url encoding

// IdentityStore is the persistence the registry needs
type IdentityStore interface {
	UpsertToken(ctx context.Context, userID, token string) (*models.WebhookIdentity, error)
	GetActiveByToken(ctx context.Context, token string) (*models.WebhookIdentity, error)
	GetByUserID(ctx context.Context, userID string) (*models.WebhookIdentity, error)
	TouchLastUsed(ctx context.Context, id string) error
	SetActive(ctx context.Context, userID string, active bool) (bool, error)
}

// Registry issues and validates per-user opaque webhook tokens
type Registry struct {
	store   IdentityStore
	baseURL string
}

// NewRegistry creates new webhook identity registry
func NewRegistry(store IdentityStore, baseURL string) *Registry {
	return &Registry{store: store, baseURL: baseURL}
}

// Credential is the result of issuing or rotating a token
type Credential struct {
	Identity *models.WebhookIdentity
	Token    string
	URL      string
}

// IssueOrRotate generates a fresh token for the user, replacing any
// prior token in the same mutation
func (r *Registry) IssueOrRotate(ctx context.Context, userID string) (*Credential, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook token: %w", err)
	}

	identity, err := r.store.UpsertToken(ctx, userID, token)
	if err != nil {
		return nil, apperr.Upstreamf("failed to store webhook token for user %s", userID)
	}

	logger.Info("webhook token rotated",
		zap.String("user_id", userID),
	)

	return &Credential{
		Identity: identity,
		Token:    token,
		URL:      r.HookURL(token),
	}, nil
}

// Validate resolves an inbound token to its owning identity.
// Stamps last_used_at best-effort without blocking the caller.
func (r *Registry) Validate(ctx context.Context, token string) (*models.WebhookIdentity, error) {
	if token == "" {
		return nil, apperr.Unauthorizedf("missing webhook token")
	}

	identity, err := r.store.GetActiveByToken(ctx, token)
	if err != nil {
		return nil, apperr.Upstreamf("webhook token lookup failed")
	}
	if identity == nil {
		return nil, apperr.Unauthorizedf("unknown or inactive webhook token")
	}

	go func(id string) {
		touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := r.store.TouchLastUsed(touchCtx, id); err != nil {
			logger.Debug("failed to stamp webhook last_used_at", zap.Error(err))
		}
	}(identity.ID)

	return identity, nil
}

// Deactivate disables inbound signal acceptance for the user.
// Used by the stop_bot trigger action and the admin toggle.
func (r *Registry) Deactivate(ctx context.Context, userID string) error {
	found, err := r.store.SetActive(ctx, userID, false)
	if err != nil {
		return apperr.Upstreamf("failed to deactivate webhook for user %s", userID)
	}
	if !found {
		return apperr.NotFoundf("no webhook identity for user %s", userID)
	}

	logger.Warn("webhook identity deactivated",
		zap.String("user_id", userID),
	)
	return nil
}

// Activate re-enables the user's existing token
func (r *Registry) Activate(ctx context.Context, userID string) error {
	found, err := r.store.SetActive(ctx, userID, true)
	if err != nil {
		return apperr.Upstreamf("failed to activate webhook for user %s", userID)
	}
	if !found {
		return apperr.NotFoundf("no webhook identity for user %s", userID)
	}
	return nil
}

// Describe returns the user's current credential without rotating it,
// so the portal can show the hook URL and last delivery time.
func (r *Registry) Describe(ctx context.Context, userID string) (*Credential, error) {
	identity, err := r.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, apperr.Upstreamf("webhook identity lookup failed for user %s", userID)
	}
	if identity == nil {
		return nil, apperr.NotFoundf("no webhook identity for user %s", userID)
	}

	return &Credential{
		Identity: identity,
		Token:    identity.Token,
		URL:      r.HookURL(identity.Token),
	}, nil
}

// TestDelivery runs the caller's own credential through the same lookup
// the inbound hook uses, stamping last_used_at like a real delivery. No
// signal is ingested.
func (r *Registry) TestDelivery(ctx context.Context, userID string) (*Credential, error) {
	cred, err := r.Describe(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.Identity.IsActive {
		return nil, apperr.InvalidStatef("webhook for user %s is deactivated", userID)
	}

	identity, err := r.Validate(ctx, cred.Token)
	if err != nil {
		return nil, err
	}
	cred.Identity = identity

	return cred, nil
}

// HookURL builds the callable webhook URL for a token
func (r *Registry) HookURL(token string) string {
	return fmt.Sprintf("%s/hook/%s", r.baseURL, token)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
