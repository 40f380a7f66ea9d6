package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
	ebayclient "github.com/resellrai/resellr/internal/ebay/client"
	"github.com/resellrai/resellr/internal/ebay/domain"
	"github.com/resellrai/resellr/internal/tokenvault"
)

const (
	tokenPath = "/identity/v1/oauth2/token"

	sandboxConsentURL    = "https://auth.sandbox.ebay.com/oauth2/authorize"
	productionConsentURL = "https://auth.ebay.com/oauth2/authorize"

	// expirySkew treats tokens expiring inside the next minute as expired
	// so a step never starts with a token about to lapse mid-call.
	expirySkew = time.Minute
)

var consentScopes = []string{
	"https://api.ebay.com/oauth/api_scope/sell.inventory",
	"https://api.ebay.com/oauth/api_scope/sell.account",
	"https://api.ebay.com/oauth/api_scope/sell.fulfillment",
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
	TokenType             string `json:"token_type"`
}

// Params collects the session manager's dependencies.
type Params struct {
	fx.In

	Client *ebayclient.Client
	Vault  *tokenvault.Vault
	Repo   Repository
	Clock  clock.Clock
	Log    *zap.Logger
	Cfg    config.Config
}

// Service manages the eBay OAuth session lifecycle: consent URL, code
// exchange, refresh rotation, and transparent access-token retrieval.
type Service struct {
	client *ebayclient.Client
	vault  *tokenvault.Vault
	repo   Repository
	clock  clock.Clock
	log    *zap.Logger
	cfg    config.EbayConfig
}

// NewService constructs the session manager.
func NewService(p Params) *Service {
	return &Service{
		client: p.Client,
		vault:  p.Vault,
		repo:   p.Repo,
		clock:  p.Clock,
		log:    p.Log.Named("ebay.auth"),
		cfg:    p.Cfg.Ebay,
	}
}

// AuthorizationURL builds the user consent URL carrying the CSRF state.
func (s *Service) AuthorizationURL(state string) string {
	base := sandboxConsentURL
	if s.cfg.Environment == "production" {
		base = productionConsentURL
	}
	q := url.Values{}
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", s.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(consentScopes, " "))
	q.Set("state", state)
	return base + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens and stores them
// encrypted.
func (s *Service) ExchangeCode(ctx context.Context, userID int64, code, redirectURI string) error {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	tokens, err := s.tokenCall(ctx, form)
	if err != nil {
		return err
	}
	if err := s.store(ctx, userID, tokens, ""); err != nil {
		return err
	}
	s.log.Info("ebay account connected", zap.Int64("user_id", userID))
	return nil
}

// Refresh rotates the stored access token using the refresh token. An auth
// failure from the provider maps to ErrReauthRequired.
func (s *Service) Refresh(ctx context.Context, userID int64) error {
	record, err := s.repo.Find(ctx, userID)
	if err != nil {
		return err
	}
	if record == nil {
		return domain.ErrNotConnected
	}
	if !record.RefreshExpiresAt.IsZero() && !s.clock.Now().Before(record.RefreshExpiresAt) {
		return domain.ErrReauthRequired
	}

	refreshToken, err := s.vault.Decrypt(record.RefreshTokenCiphertext)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tokens, err := s.tokenCall(ctx, form)
	if err != nil {
		return err
	}
	if err := s.store(ctx, userID, tokens, record.RefreshTokenCiphertext); err != nil {
		return err
	}
	s.log.Info("ebay access token rotated", zap.Int64("user_id", userID))
	return nil
}

// AccessToken returns a valid plaintext access token for API calls,
// refreshing transparently when the stored one is expired.
func (s *Service) AccessToken(ctx context.Context, userID int64) (string, error) {
	record, err := s.repo.Find(ctx, userID)
	if err != nil {
		return "", err
	}
	if record == nil {
		return "", domain.ErrNotConnected
	}

	if s.clock.Now().Add(expirySkew).After(record.AccessExpiresAt) {
		if err := s.Refresh(ctx, userID); err != nil {
			if errors.Is(err, domain.ErrReauthRequired) || errors.Is(err, domain.ErrNotConnected) {
				return "", err
			}
			return "", fmt.Errorf("refresh access token: %w", err)
		}
		record, err = s.repo.Find(ctx, userID)
		if err != nil {
			return "", err
		}
		if record == nil {
			return "", domain.ErrNotConnected
		}
	}

	token, err := s.vault.Decrypt(record.AccessTokenCiphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt access token: %w", err)
	}
	return token, nil
}

// Disconnect removes the stored token record.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	if err := s.repo.Delete(ctx, userID); err != nil {
		return err
	}
	s.log.Info("ebay account disconnected", zap.Int64("user_id", userID))
	return nil
}

func (s *Service) tokenCall(ctx context.Context, form url.Values) (*tokenResponse, error) {
	resp, err := s.client.Do(ctx, ebayclient.Request{
		Method:    http.MethodPost,
		Path:      tokenPath,
		Form:      form,
		BasicAuth: true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Err != nil && resp.Err.Recovery == domain.RecoveryReauth {
			return nil, domain.ErrReauthRequired
		}
		if resp.Err != nil {
			return nil, fmt.Errorf("token endpoint: %w", resp.Err)
		}
		return nil, fmt.Errorf("token endpoint: status %d", resp.StatusCode)
	}

	var tokens tokenResponse
	if err := resp.Decode(&tokens); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	return &tokens, nil
}

// store encrypts and upserts a token pair. When the provider omits a new
// refresh token on rotation, the previous ciphertext is retained.
func (s *Service) store(ctx context.Context, userID int64, tokens *tokenResponse, priorRefreshCiphertext string) error {
	accessCiphertext, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	refreshCiphertext := priorRefreshCiphertext
	if tokens.RefreshToken != "" {
		refreshCiphertext, err = s.vault.Encrypt(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	if refreshCiphertext == "" {
		return errors.New("token response missing refresh_token")
	}

	now := s.clock.Now()
	record := &TokenRecord{
		UserID:                 userID,
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		AccessExpiresAt:        now.Add(time.Duration(tokens.ExpiresIn) * time.Second),
		RefreshExpiresAt:       now.Add(time.Duration(tokens.RefreshTokenExpiresIn) * time.Second),
	}
	if tokens.RefreshTokenExpiresIn == 0 {
		// Rotation responses omit refresh expiry; keep the stored horizon.
		if prior, err := s.repo.Find(ctx, userID); err == nil && prior != nil {
			record.RefreshExpiresAt = prior.RefreshExpiresAt
		}
	}
	return s.repo.Upsert(ctx, record)
}
