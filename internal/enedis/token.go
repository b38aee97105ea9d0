package enedis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/config"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/septivank/energy-metering-gateway/internal/metrics"
	"github.com/septivank/energy-metering-gateway/internal/partner"
	"github.com/septivank/energy-metering-gateway/internal/retry"
	"go.uber.org/zap"
)

const defaultTokenLifetime = time.Hour

// CredentialStore persists bearer credentials
type CredentialStore interface {
	ActiveCredential(ctx context.Context) (*db.Credential, error)
	DeactivateCredentials(ctx context.Context) error
	InsertCredential(ctx context.Context, c *db.Credential) error
	PruneCredentials(ctx context.Context, keep int) (int64, error)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// TokenSupplier hands out a valid bearer token, reusing the stored one
// until it is about to expire.
type TokenSupplier struct {
	cfg     config.EnedisConfig
	store   CredentialStore
	client  *partner.Client
	path    string
	logger  *zap.Logger
	now     func() time.Time
	newID   func() uuid.UUID
	refresh sync.Mutex
}

// TokenOption customizes a TokenSupplier
type TokenOption func(*TokenSupplier)

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenSupplier) { s.now = now }
}

// NewTokenSupplier creates a token supplier for the configured token endpoint
func NewTokenSupplier(
	cfg config.EnedisConfig,
	store CredentialStore,
	httpClient *http.Client,
	sleeper retry.Sleeper,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...TokenOption,
) (*TokenSupplier, error) {
	tokenURL, err := url.Parse(cfg.TokenURL)
	if err != nil || tokenURL.Scheme == "" || tokenURL.Host == "" {
		return nil, fmt.Errorf("invalid token URL '%s'", cfg.TokenURL)
	}

	policy := retry.New(cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay, logger)
	if sleeper != nil {
		policy.Sleep = sleeper
	}

	s := &TokenSupplier{
		cfg:   cfg,
		store: store,
		client: partner.New(partner.Options{
			Name:       "enedis",
			BaseURL:    tokenURL.Scheme + "://" + tokenURL.Host,
			HTTPClient: httpClient,
			Timeout:    cfg.RequestTimeout,
			Retry:      policy,
			Metrics:    m,
			Logger:     logger,
		}),
		path:   tokenURL.EscapedPath(),
		logger: logger,
		now:    time.Now,
		newID:  uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token returns a bearer token, exchanging client credentials when the
// stored one is missing or inside the refresh buffer.
func (s *TokenSupplier) Token(ctx context.Context) (string, error) {
	cred, err := s.credential(ctx, false)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Refresh forces a new exchange and rotation
func (s *TokenSupplier) Refresh(ctx context.Context) (*db.Credential, error) {
	return s.credential(ctx, true)
}

func (s *TokenSupplier) credential(ctx context.Context, force bool) (*db.Credential, error) {
	if !force {
		if cred := s.cached(ctx); cred != nil {
			return cred, nil
		}
	}

	s.refresh.Lock()
	defer s.refresh.Unlock()

	// Another caller may have rotated while we waited
	if !force {
		if cred := s.cached(ctx); cred != nil {
			return cred, nil
		}
	}

	cred, err := s.exchange(ctx)
	if err != nil {
		return nil, &apperr.CredentialError{Err: err}
	}
	s.rotate(ctx, cred)
	return cred, nil
}

func (s *TokenSupplier) cached(ctx context.Context) *db.Credential {
	cred, err := s.store.ActiveCredential(ctx)
	if err != nil {
		s.logger.Warn("failed to read stored credential, exchanging a new one", zap.Error(err))
		return nil
	}
	if cred == nil {
		return nil
	}
	if !s.now().Add(s.cfg.TokenRefreshBuffer).Before(cred.ExpiresAt) {
		s.logger.Debug("stored credential expires soon",
			zap.Time("expires_at", cred.ExpiresAt),
		)
		return nil
	}
	return cred
}

func (s *TokenSupplier) exchange(ctx context.Context) (*db.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)

	body, err := s.client.Do(ctx, partner.Request{
		Operation: "token",
		Method:    http.MethodPost,
		Path:      s.path,
		Form:      form,
	})
	if errors.Is(err, apperr.ErrNotFoundAsEmpty) {
		return nil, &apperr.UpstreamError{StatusCode: http.StatusNotFound, Endpoint: s.path, Body: "token endpoint not found"}
	}
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty token received")
	}

	issued := s.now()
	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	tokenType := tr.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}

	s.logger.Info("obtained new partner credential",
		zap.Time("expires_at", issued.Add(lifetime)),
	)

	return &db.Credential{
		ID:        s.newID(),
		Token:     tr.AccessToken,
		TokenType: tokenType,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(lifetime),
		Active:    true,
	}, nil
}

// rotate deactivates older credentials, stores the new one and prunes the
// history. Failures are logged only: the caller already holds a valid token.
func (s *TokenSupplier) rotate(ctx context.Context, cred *db.Credential) {
	if err := s.store.DeactivateCredentials(ctx); err != nil {
		s.logger.Error("failed to deactivate previous credentials", zap.Error(err))
	}
	if err := s.store.InsertCredential(ctx, cred); err != nil {
		s.logger.Error("failed to store new credential", zap.Error(err))
		return
	}
	if s.cfg.TokenHistoryKeep > 0 {
		removed, err := s.store.PruneCredentials(ctx, s.cfg.TokenHistoryKeep)
		if err != nil {
			s.logger.Warn("failed to prune credential history", zap.Error(err))
			return
		}
		if removed > 0 {
			s.logger.Debug("pruned credential history", zap.Int64("removed", removed))
		}
	}
}
