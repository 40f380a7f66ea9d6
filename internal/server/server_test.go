package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	billingadapters "github.com/resellrai/resellr/internal/billing/adapters"
	billingstripe "github.com/resellrai/resellr/internal/billing/adapters/stripe"
	billingservice "github.com/resellrai/resellr/internal/billing/service"
	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
	"github.com/resellrai/resellr/internal/ebay/auth"
	ebayclient "github.com/resellrai/resellr/internal/ebay/client"
	entitlementdomain "github.com/resellrai/resellr/internal/entitlement/domain"
	entitlementservice "github.com/resellrai/resellr/internal/entitlement/service"
	"github.com/resellrai/resellr/internal/listing"
	"github.com/resellrai/resellr/internal/observability/metrics"
	publishrepository "github.com/resellrai/resellr/internal/publish/repository"
	publishservice "github.com/resellrai/resellr/internal/publish/service"
	"github.com/resellrai/resellr/internal/tokenvault"
)

const webhookSecret = "whsec_server_test"

func setupServerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ebay_tokens (
			user_id BIGINT PRIMARY KEY,
			access_token_ciphertext TEXT NOT NULL,
			refresh_token_ciphertext TEXT NOT NULL,
			access_expires_at DATETIME NOT NULL,
			refresh_expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS listing_drafts (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category_id TEXT NOT NULL DEFAULT '',
			condition TEXT NOT NULL DEFAULT 'USED_GOOD',
			price_amount BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			quantity INT NOT NULL DEFAULT 1,
			image_urls TEXT NOT NULL DEFAULT '[]',
			aspects TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS publish_results (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			listing_id BIGINT NOT NULL,
			trace_id TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			sku TEXT NOT NULL DEFAULT '',
			offer_id TEXT NOT NULL DEFAULT '',
			ebay_listing_id TEXT NOT NULL DEFAULT '',
			listing_url TEXT NOT NULL DEFAULT '',
			failed_step TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			step_outcomes TEXT NOT NULL DEFAULT '[]',
			attempted_at DATETIME NOT NULL,
			published_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id BIGINT PRIMARY KEY,
			tier TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT 'stripe',
			provider_customer_id TEXT NOT NULL DEFAULT '',
			provider_subscription_id TEXT NOT NULL DEFAULT '',
			price_id TEXT NOT NULL DEFAULT '',
			current_period_end DATETIME,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			canceled_at DATETIME,
			latest_invoice_status TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS free_publish_trials (
			user_id BIGINT PRIMARY KEY,
			granted_at DATETIME NOT NULL,
			grant_source TEXT NOT NULL DEFAULT 'ebay_connect',
			used_at DATETIME,
			used_listing_id BIGINT,
			used_publish_result TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS processed_webhook_events (
			event_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			received_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}

type serverFixture struct {
	router       *gin.Engine
	states       tokenvault.StateStore
	entitlements entitlementdomain.Service
	db           *gorm.DB
}

func newServerFixture(t *testing.T, rateLimitRPM int) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Token endpoint stand-in for the eBay identity API.
	ebaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/identity/v1/oauth2/token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "new-access-token",
			"refresh_token": "new-refresh-token",
			"expires_in": 7200,
			"refresh_token_expires_in": 47304000,
			"token_type": "User Access Token"
		}`)
	}))
	t.Cleanup(ebaySrv.Close)

	db := setupServerTestDB(t)
	ebayCfg := config.EbayConfig{
		Environment:         "sandbox",
		ClientID:            "client-id",
		ClientSecret:        "client-secret",
		RedirectURI:         "https://app.resellr.dev/ebay/callback",
		MarketplaceID:       "EBAY_US",
		MerchantLocationKey: "resellr-default",
		MaxRetries:          0,
	}
	cfg := config.Config{
		Environment:   "test",
		ServiceName:   "resellr",
		HTTPPort:      "0",
		OAuthStateTTL: 10 * time.Minute,
		RateLimitRPM:  rateLimitRPM,
		Ebay:          ebayCfg,
		Stripe: config.StripeConfig{
			WebhookSecret:    webhookSecret,
			WebhookTolerance: 5 * time.Minute,
		},
	}

	ebayClient := ebayclient.New(ebayCfg, zap.NewNop(),
		ebayclient.WithBaseURL(ebaySrv.URL), ebayclient.WithHTTPClient(ebaySrv.Client()))
	vault, err := tokenvault.New("server-test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	authSvc := auth.NewService(auth.Params{
		Client: ebayClient,
		Vault:  vault,
		Repo:   auth.NewRepository(db),
		Clock:  clock.SystemClock{},
		Log:    zap.NewNop(),
		Cfg:    cfg,
	})

	entitlements := entitlementservice.NewService(entitlementservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.SystemClock{},
	})
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	audit := publishrepository.NewRepository(publishrepository.Params{DB: db, GenID: node})
	publishSvc := publishservice.NewService(publishservice.Params{
		Client:       ebayClient,
		Auth:         authSvc,
		Listings:     listing.NewRepository(db),
		Entitlements: entitlements,
		Audit:        audit,
		Clock:        clock.SystemClock{},
		Log:          zap.NewNop(),
		Cfg:          cfg,
	})
	billingSvc := billingservice.NewService(billingservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.SystemClock{},
		Adapters: billingadapters.NewRegistry(billingstripe.NewAdapter(
			cfg.Stripe, clock.SystemClock{})),
		Entitlements: entitlements,
	})

	httpMetrics, err := metrics.NewHTTPMetrics(cfg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	states := tokenvault.NewMemoryStateStore()
	srv := NewServer(Params{
		Cfg:            cfg,
		Log:            zap.NewNop(),
		DB:             db,
		Clock:          clock.SystemClock{},
		PublishSvc:     publishSvc,
		PublishAudit:   audit,
		AuthSvc:        authSvc,
		EntitlementSvc: entitlements,
		BillingSvc:     billingSvc,
		States:         states,
		Metrics:        httpMetrics,
	})
	return &serverFixture{
		router:       NewRouter(srv),
		states:       states,
		entitlements: entitlements,
		db:           db,
	}
}

func (f *serverFixture) seedDraft(t *testing.T, draftID, userID int64) {
	t.Helper()
	err := f.db.Exec(`INSERT INTO listing_drafts
		(id, user_id, title, price_amount, created_at, updated_at)
		VALUES (?, ?, 'Vintage camera', 12999, ?, ?)`,
		draftID, userID, time.Now().UTC(), time.Now().UTC()).Error
	if err != nil {
		t.Fatalf("seed draft: %v", err)
	}
}

func (f *serverFixture) do(method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func asUser(id string) map[string]string {
	return map[string]string{HeaderUserID: id}
}

func TestHealthz(t *testing.T) {
	env := newServerFixture(t, 600)
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresUserHeader(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodGet, "/api/v1/entitlement", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user header, got %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/api/v1/entitlement", "", asUser("not-a-number"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed user header, got %d", rec.Code)
	}
}

func TestEntitlementEndpoint(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodGet, "/api/v1/entitlement", "", asUser("7"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Allowed || body.Reason != "upgrade_required" {
		t.Fatalf("expected upgrade_required, got %+v", body)
	}
}

func TestPublishWithoutEntitlement(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodPost, "/api/v1/listings/42/publish", "", asUser("7"))
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPublishInvalidListingID(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodPost, "/api/v1/listings/abc/publish", "", asUser("7"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPublishWithoutConnectionConflicts(t *testing.T) {
	env := newServerFixture(t, 600)
	env.seedDraft(t, 42, 7)
	ctx := context.Background()

	if err := env.entitlements.GrantOnEbayConnect(ctx, 7); err != nil {
		t.Fatalf("grant: %v", err)
	}
	rec := env.do(http.MethodPost, "/api/v1/listings/42/publish", "", asUser("7"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unconnected account, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEbayConnectAndCallback(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodGet, "/api/v1/ebay/connect", "", asUser("7"))
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var connect struct {
		AuthorizationURL string `json:"authorization_url"`
		State            string `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &connect); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(connect.State) != 64 {
		t.Fatalf("expected 64-char state, got %q", connect.State)
	}
	if !strings.Contains(connect.AuthorizationURL, "state="+connect.State) {
		t.Fatalf("authorization url must carry the state: %s", connect.AuthorizationURL)
	}

	rec = env.do(http.MethodGet,
		"/api/v1/ebay/callback?code=auth-code&state="+connect.State, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The connection grants the one-time trial.
	rec = env.do(http.MethodGet, "/api/v1/entitlement", "", asUser("7"))
	var decision struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Allowed || decision.Reason != "trial_available" {
		t.Fatalf("expected trial after connect, got %+v", decision)
	}

	// State values are one-shot.
	rec = env.do(http.MethodGet,
		"/api/v1/ebay/callback?code=auth-code&state="+connect.State, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on replayed state, got %d", rec.Code)
	}
}

func TestEbayCallbackRejectsUnknownState(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodGet,
		"/api/v1/ebay/callback?code=auth-code&state="+strings.Repeat("ab", 32), "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d", rec.Code)
	}
}

func TestEbayDisconnect(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodDelete, "/api/v1/ebay/connection", "", asUser("7"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListPublishesEmpty(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodGet, "/api/v1/publishes", "", asUser("7"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Publishes []json.RawMessage `json:"publishes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Publishes) != 0 {
		t.Fatalf("expected no attempts, got %d", len(body.Publishes))
	}
}

func signWebhook(payload []byte) string {
	now := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.", now)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", now, hex.EncodeToString(mac.Sum(nil)))
}

func TestBillingWebhook(t *testing.T) {
	env := newServerFixture(t, 600)
	payload := fmt.Sprintf(`{
		"id": "evt_http_1",
		"type": "customer.subscription.created",
		"created": %d,
		"data": {"object": {
			"id": "sub_1",
			"customer": "cus_1",
			"status": "active",
			"current_period_end": %d,
			"metadata": {"user_id": "7"}
		}}
	}`, time.Now().Unix(), time.Now().Add(30*24*time.Hour).Unix())

	rec := env.do(http.MethodPost, "/webhooks/billing/stripe", payload, map[string]string{
		"Stripe-Signature": signWebhook([]byte(payload)),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/api/v1/entitlement", "", asUser("7"))
	var decision struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decision.Allowed || decision.Reason != "premium" {
		t.Fatalf("expected premium after webhook, got %+v", decision)
	}
}

func TestBillingWebhookRejectsBadSignature(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodPost, "/webhooks/billing/stripe",
		`{"id":"evt_bad","type":"customer.subscription.created"}`,
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBillingWebhookUnknownProvider(t *testing.T) {
	env := newServerFixture(t, 600)

	rec := env.do(http.MethodPost, "/webhooks/billing/paypal", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	env := newServerFixture(t, 2)

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/webhooks/billing/stripe",
			`{"id":"evt","type":"x"}`, map[string]string{"Stripe-Signature": "t=1,v1=00"})
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d should pass the limiter", i+1)
		}
	}
	rec := env.do(http.MethodPost, "/webhooks/billing/stripe",
		`{"id":"evt","type":"x"}`, map[string]string{"Stripe-Signature": "t=1,v1=00"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the limit, got %d", rec.Code)
	}
}
