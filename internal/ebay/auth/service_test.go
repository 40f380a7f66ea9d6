package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
	ebayclient "github.com/resellrai/resellr/internal/ebay/client"
	"github.com/resellrai/resellr/internal/ebay/domain"
	"github.com/resellrai/resellr/internal/tokenvault"
)

func setupAuthTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(
		`CREATE TABLE IF NOT EXISTS ebay_tokens (
			user_id BIGINT PRIMARY KEY,
			access_token_ciphertext TEXT NOT NULL,
			refresh_token_ciphertext TEXT NOT NULL,
			access_expires_at DATETIME NOT NULL,
			refresh_expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	).Error; err != nil {
		t.Fatalf("create ebay_tokens: %v", err)
	}
	return db
}

func newAuthService(t *testing.T, handler http.Handler) (*Service, Repository, *tokenvault.Vault) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ebayCfg := config.EbayConfig{
		Environment:  "sandbox",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://app.resellr.dev/ebay/callback",
		MaxRetries:   0,
	}
	client := ebayclient.New(ebayCfg, zap.NewNop(),
		ebayclient.WithBaseURL(srv.URL), ebayclient.WithHTTPClient(srv.Client()))

	vault, err := tokenvault.New("unit-test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	repo := NewRepository(setupAuthTestDB(t))
	svc := NewService(Params{
		Client: client,
		Vault:  vault,
		Repo:   repo,
		Clock:  clock.SystemClock{},
		Log:    zap.NewNop(),
		Cfg:    config.Config{Ebay: ebayCfg},
	})
	return svc, repo, vault
}

func tokenEndpoint(t *testing.T, respond func(grantType string, w http.ResponseWriter)) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identity/v1/oauth2/token" {
			t.Errorf("unexpected path %q", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("expected basic auth header")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		respond(r.PostForm.Get("grant_type"), w)
	})
}

func TestExchangeCodeStoresEncryptedTokens(t *testing.T) {
	svc, repo, vault := newAuthService(t, tokenEndpoint(t, func(grantType string, w http.ResponseWriter) {
		if grantType != "authorization_code" {
			t.Errorf("expected authorization_code grant, got %q", grantType)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "access-1",
			"refresh_token": "refresh-1",
			"expires_in": 7200,
			"refresh_token_expires_in": 47304000,
			"token_type": "User Access Token"
		}`))
	}))

	ctx := context.Background()
	if err := svc.ExchangeCode(ctx, 7, "the-code", "https://app.resellr.dev/ebay/callback"); err != nil {
		t.Fatalf("exchange code: %v", err)
	}

	record, err := repo.Find(ctx, 7)
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	if record == nil {
		t.Fatalf("expected stored token record")
	}
	if record.AccessTokenCiphertext == "access-1" {
		t.Fatalf("access token stored in plaintext")
	}
	plain, err := vault.Decrypt(record.AccessTokenCiphertext)
	if err != nil {
		t.Fatalf("decrypt stored access token: %v", err)
	}
	if plain != "access-1" {
		t.Fatalf("expected decrypted access token, got %q", plain)
	}
	if !record.AccessExpiresAt.After(time.Now()) {
		t.Fatalf("expected future access expiry, got %v", record.AccessExpiresAt)
	}
}

func TestAccessTokenRefreshesTransparently(t *testing.T) {
	var grants []string
	svc, repo, vault := newAuthService(t, tokenEndpoint(t, func(grantType string, w http.ResponseWriter) {
		grants = append(grants, grantType)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "access-2",
			"refresh_token": "refresh-2",
			"expires_in": 7200,
			"refresh_token_expires_in": 47304000
		}`))
	}))

	ctx := context.Background()
	expiredAccess, _ := vault.Encrypt("access-1")
	validRefresh, _ := vault.Encrypt("refresh-1")
	if err := repo.Upsert(ctx, &TokenRecord{
		UserID:                 7,
		AccessTokenCiphertext:  expiredAccess,
		RefreshTokenCiphertext: validRefresh,
		AccessExpiresAt:        time.Now().Add(-time.Hour),
		RefreshExpiresAt:       time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	token, err := svc.AccessToken(ctx, 7)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if token != "access-2" {
		t.Fatalf("expected rotated token, got %q", token)
	}
	if len(grants) != 1 || grants[0] != "refresh_token" {
		t.Fatalf("expected one refresh_token grant, got %v", grants)
	}
}

func TestRefreshAuthFailureSurfacesReauth(t *testing.T) {
	svc, repo, vault := newAuthService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
	}))

	ctx := context.Background()
	expiredAccess, _ := vault.Encrypt("access-1")
	validRefresh, _ := vault.Encrypt("refresh-1")
	if err := repo.Upsert(ctx, &TokenRecord{
		UserID:                 9,
		AccessTokenCiphertext:  expiredAccess,
		RefreshTokenCiphertext: validRefresh,
		AccessExpiresAt:        time.Now().Add(-time.Hour),
		RefreshExpiresAt:       time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if _, err := svc.AccessToken(ctx, 9); !errors.Is(err, domain.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestAccessTokenWithoutConnection(t *testing.T) {
	svc, _, _ := newAuthService(t, http.NotFoundHandler())
	if _, err := svc.AccessToken(context.Background(), 404); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
