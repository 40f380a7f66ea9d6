package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
	"github.com/resellrai/resellr/internal/ebay/auth"
	"github.com/resellrai/resellr/internal/ebay/client"
	ebaydomain "github.com/resellrai/resellr/internal/ebay/domain"
	entitlementdomain "github.com/resellrai/resellr/internal/entitlement/domain"
	"github.com/resellrai/resellr/internal/listing"
	obscontext "github.com/resellrai/resellr/internal/observability/context"
	"github.com/resellrai/resellr/internal/publish/domain"
	"github.com/resellrai/resellr/internal/publish/repository"
)

const (
	productionItemURL = "https://www.ebay.com/itm/"
	sandboxItemURL    = "https://sandbox.ebay.com/itm/"
)

type Params struct {
	fx.In

	Client       *client.Client
	Auth         *auth.Service
	Listings     listing.Repository
	Entitlements entitlementdomain.Service
	Audit        repository.Repository
	Clock        clock.Clock
	Log          *zap.Logger
	Cfg          config.Config
}

// Service drives the listing publish pipeline: location, inventory, policies,
// offer, fees, publish, in that order.
type Service struct {
	client       *client.Client
	auth         *auth.Service
	listings     listing.Repository
	entitlements entitlementdomain.Service
	audit        repository.Repository
	clock        clock.Clock
	log          *zap.Logger
	cfg          config.EbayConfig
}

func NewService(p Params) domain.Service {
	return &Service{
		client:       p.Client,
		auth:         p.Auth,
		listings:     p.Listings,
		entitlements: p.Entitlements,
		audit:        p.Audit,
		clock:        p.Clock,
		log:          p.Log.Named("publish.service"),
		cfg:          p.Cfg.Ebay,
	}
}

// Publish runs one publish attempt end to end. Errors returned directly are
// pre-pipeline failures (entitlement, draft lookup, token); once the pipeline
// starts, failures come back inside the Result with the failing step named.
func (s *Service) Publish(ctx context.Context, userID, listingID int64) (*domain.Result, error) {
	decision, err := s.entitlements.CanDirectPublish(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, domain.ErrUpgradeRequired
	}

	draft, err := s.listings.FindByID(ctx, userID, listingID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.auth.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	attempt := &attempt{
		svc:    s,
		draft:  draft,
		token:  accessToken,
		result: &domain.Result{TraceID: uuid.NewString()},
	}
	attempt.log = s.log.With(
		zap.String("trace_id", attempt.result.TraceID),
		zap.Int64("user_id", userID),
		zap.Int64("listing_id", listingID),
	)
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		attempt.log = attempt.log.With(zap.String("request_id", requestID))
	}

	result := attempt.run(ctx)

	if result.Success && decision.Reason == entitlementdomain.ReasonTrialAvailable {
		s.consumeTrial(ctx, userID, listingID, result)
	}
	s.record(ctx, userID, listingID, result)
	return result, nil
}

func (s *Service) consumeTrial(ctx context.Context, userID, listingID int64, result *domain.Result) {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = nil
	}
	consumed, err := s.entitlements.ConsumeOnSuccessfulPublish(ctx, userID, listingID, payload)
	if err != nil {
		s.log.Error("trial consumption failed after publish",
			zap.Int64("user_id", userID),
			zap.Int64("listing_id", listingID),
			zap.Error(err),
		)
		return
	}
	if !consumed {
		// A racing attempt spent the trial first. The listing is live
		// either way, so the publish stays successful.
		s.log.Warn("trial already consumed by a concurrent publish",
			zap.Int64("user_id", userID),
			zap.Int64("listing_id", listingID),
		)
	}
}

func (s *Service) record(ctx context.Context, userID, listingID int64, result *domain.Result) {
	if err := s.audit.Record(ctx, userID, listingID, result, s.clock.Now()); err != nil {
		s.log.Error("publish audit write failed",
			zap.String("trace_id", result.TraceID),
			zap.Error(err),
		)
	}
}

// attempt carries the mutable state of one pipeline run.
type attempt struct {
	svc    *Service
	draft  *listing.Draft
	token  string
	log    *zap.Logger
	result *domain.Result

	policies policySet
}

type policySet struct {
	FulfillmentPolicyID string
	PaymentPolicyID     string
	ReturnPolicyID      string
}

type stepFunc func(ctx context.Context) (domain.Outcome, string, error)

func (a *attempt) run(ctx context.Context) *domain.Result {
	steps := map[domain.Step]stepFunc{
		domain.StepLocation:  a.ensureLocation,
		domain.StepInventory: a.putInventoryItem,
		domain.StepPolicies:  a.resolvePolicies,
		domain.StepOffer:     a.createOffer,
		domain.StepFees:      a.fetchFees,
		domain.StepPublish:   a.publishOffer,
	}

	for step := domain.StepLocation; step != ""; step = step.Next() {
		a.log.Info("publish step started", zap.String("step", string(step)))
		outcome, detail, err := steps[step](ctx)
		if err != nil {
			if step == domain.StepFees {
				// Fee estimation is informational. The listing goes
				// out with fees unknown.
				a.log.Warn("fee estimate unavailable",
					zap.String("step", string(step)),
					zap.String("error", err.Error()),
				)
				a.recordStep(step, domain.OutcomeFailed, err.Error())
				continue
			}
			a.log.Warn("publish step failed",
				zap.String("step", string(step)),
				zap.String("error", err.Error()),
			)
			a.recordStep(step, domain.OutcomeFailed, err.Error())
			return a.fail(step, err)
		}
		a.log.Info("publish step finished",
			zap.String("step", string(step)),
			zap.String("outcome", string(outcome)),
		)
		a.recordStep(step, outcome, detail)
	}

	a.result.Success = true
	return a.result
}

func (a *attempt) recordStep(step domain.Step, outcome domain.Outcome, detail string) {
	a.result.Steps = append(a.result.Steps, domain.StepResult{
		Step:    step,
		Outcome: outcome,
		Detail:  detail,
	})
}

func (a *attempt) fail(step domain.Step, err error) *domain.Result {
	a.result.Success = false
	a.result.FailedStep = step

	var apiErr *ebaydomain.APIError
	switch {
	case errors.As(err, &apiErr):
		a.result.ErrorCode = apiErr.Code
		a.result.ErrorMessage = apiErr.Message
		a.result.Recovery = apiErr.Recovery
	case errors.Is(err, domain.ErrMissingPolicies):
		a.result.ErrorCode = domain.ErrMissingPolicies.Error()
		a.result.ErrorMessage = err.Error()
		a.result.Recovery = ebaydomain.RecoveryNone
	default:
		a.result.ErrorCode = "publish_failed"
		a.result.ErrorMessage = err.Error()
		a.result.Recovery = ebaydomain.RecoveryNone
	}
	return a.result
}

// ensureLocation guarantees the merchant inventory location exists. An
// already-present location is a skip, not an error.
func (a *attempt) ensureLocation(ctx context.Context) (domain.Outcome, string, error) {
	key := a.svc.cfg.MerchantLocationKey
	path := "/sell/inventory/v1/location/" + url.PathEscape(key)

	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodGet,
		Path:        path,
		AccessToken: a.token,
	})
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	if resp.Success {
		return domain.OutcomeSkipped, "location " + key + " already exists", nil
	}
	if resp.StatusCode != http.StatusNotFound {
		return domain.OutcomeFailed, "", resp.Err
	}

	resp, err = a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodPost,
		Path:        path,
		AccessToken: a.token,
		Body: map[string]any{
			"name": "Default warehouse",
			"location": map[string]any{
				"address": map[string]any{
					"country": "US",
				},
			},
			"merchantLocationStatus": "ENABLED",
			"locationTypes":          []string{"WAREHOUSE"},
		},
	})
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	if !resp.Success {
		return domain.OutcomeFailed, "", resp.Err
	}
	return domain.OutcomeSuccess, "location " + key + " created", nil
}

func (a *attempt) putInventoryItem(ctx context.Context) (domain.Outcome, string, error) {
	sku := fmt.Sprintf("rl-%d", a.draft.ID)
	a.result.SKU = sku

	var imageURLs []string
	if len(a.draft.ImageURLs) > 0 {
		if err := json.Unmarshal(a.draft.ImageURLs, &imageURLs); err != nil {
			return domain.OutcomeFailed, "", fmt.Errorf("decode draft image urls: %w", err)
		}
	}
	var aspects map[string][]string
	if len(a.draft.Aspects) > 0 {
		if err := json.Unmarshal(a.draft.Aspects, &aspects); err != nil {
			return domain.OutcomeFailed, "", fmt.Errorf("decode draft aspects: %w", err)
		}
	}

	quantity := a.draft.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	headers := http.Header{}
	headers.Set("Content-Language", "en-US")

	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodPut,
		Path:        "/sell/inventory/v1/inventory_item/" + url.PathEscape(sku),
		AccessToken: a.token,
		Headers:     headers,
		Body: map[string]any{
			"availability": map[string]any{
				"shipToLocationAvailability": map[string]any{
					"quantity": quantity,
				},
			},
			"condition": a.draft.Condition,
			"product": map[string]any{
				"title":       a.draft.Title,
				"description": a.draft.Description,
				"imageUrls":   imageURLs,
				"aspects":     aspects,
			},
		},
	})
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	if !resp.Success {
		return domain.OutcomeFailed, "", resp.Err
	}
	return domain.OutcomeSuccess, "sku " + sku, nil
}

// resolvePolicies loads the seller's business policy ids. A seller without
// all three policy types cannot publish, and retrying will not help.
func (a *attempt) resolvePolicies(ctx context.Context) (domain.Outcome, string, error) {
	marketplace := a.svc.cfg.MarketplaceID

	fulfillment, err := a.firstPolicyID(ctx, "/sell/account/v1/fulfillment_policy", "fulfillmentPolicies", "fulfillmentPolicyId", marketplace)
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	payment, err := a.firstPolicyID(ctx, "/sell/account/v1/payment_policy", "paymentPolicies", "paymentPolicyId", marketplace)
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	returns, err := a.firstPolicyID(ctx, "/sell/account/v1/return_policy", "returnPolicies", "returnPolicyId", marketplace)
	if err != nil {
		return domain.OutcomeFailed, "", err
	}

	var missing []string
	if fulfillment == "" {
		missing = append(missing, "fulfillment")
	}
	if payment == "" {
		missing = append(missing, "payment")
	}
	if returns == "" {
		missing = append(missing, "return")
	}
	if len(missing) > 0 {
		return domain.OutcomeFailed, "", fmt.Errorf("%w: %s", domain.ErrMissingPolicies, strings.Join(missing, ", "))
	}

	a.policies = policySet{
		FulfillmentPolicyID: fulfillment,
		PaymentPolicyID:     payment,
		ReturnPolicyID:      returns,
	}
	return domain.OutcomeSuccess, "", nil
}

func (a *attempt) firstPolicyID(ctx context.Context, path, listKey, idKey, marketplace string) (string, error) {
	query := url.Values{}
	query.Set("marketplace_id", marketplace)

	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodGet,
		Path:        path,
		Query:       query,
		AccessToken: a.token,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", resp.Err
	}

	var payload map[string][]map[string]any
	if err := resp.Decode(&payload); err != nil {
		return "", fmt.Errorf("decode policy response: %w", err)
	}
	entries := payload[listKey]
	if len(entries) == 0 {
		return "", nil
	}
	id, _ := entries[0][idKey].(string)
	return id, nil
}

func (a *attempt) createOffer(ctx context.Context) (domain.Outcome, string, error) {
	quantity := a.draft.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodPost,
		Path:        "/sell/inventory/v1/offer",
		AccessToken: a.token,
		Body: map[string]any{
			"sku":                 a.result.SKU,
			"marketplaceId":       a.svc.cfg.MarketplaceID,
			"format":              "FIXED_PRICE",
			"availableQuantity":   quantity,
			"categoryId":          a.draft.CategoryID,
			"listingDescription":  a.draft.Description,
			"merchantLocationKey": a.svc.cfg.MerchantLocationKey,
			"pricingSummary": map[string]any{
				"price": map[string]any{
					"value":    minorUnitsToDecimal(a.draft.PriceAmount),
					"currency": a.draft.Currency,
				},
			},
			"listingPolicies": map[string]any{
				"fulfillmentPolicyId": a.policies.FulfillmentPolicyID,
				"paymentPolicyId":     a.policies.PaymentPolicyID,
				"returnPolicyId":      a.policies.ReturnPolicyID,
			},
		},
	})
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	if resp.Success {
		var created struct {
			OfferID string `json:"offerId"`
		}
		if err := resp.Decode(&created); err != nil {
			return domain.OutcomeFailed, "", fmt.Errorf("decode offer response: %w", err)
		}
		a.result.OfferID = created.OfferID
		return domain.OutcomeSuccess, "offer " + created.OfferID, nil
	}

	// A previous attempt may have created the offer already. Look it up by
	// SKU and reuse it instead of failing the pipeline.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict {
		offerID, lookupErr := a.findOfferBySKU(ctx)
		if lookupErr == nil && offerID != "" {
			a.result.OfferID = offerID
			return domain.OutcomeSkipped, "offer " + offerID + " already exists", nil
		}
	}
	return domain.OutcomeFailed, "", resp.Err
}

func (a *attempt) findOfferBySKU(ctx context.Context) (string, error) {
	query := url.Values{}
	query.Set("sku", a.result.SKU)
	query.Set("marketplace_id", a.svc.cfg.MarketplaceID)

	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodGet,
		Path:        "/sell/inventory/v1/offer",
		Query:       query,
		AccessToken: a.token,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", resp.Err
	}
	var payload struct {
		Offers []struct {
			OfferID string `json:"offerId"`
		} `json:"offers"`
	}
	if err := resp.Decode(&payload); err != nil {
		return "", err
	}
	if len(payload.Offers) == 0 {
		return "", nil
	}
	return payload.Offers[0].OfferID, nil
}

func (a *attempt) fetchFees(ctx context.Context) (domain.Outcome, string, error) {
	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodPost,
		Path:        "/sell/inventory/v1/listing_fees",
		AccessToken: a.token,
		Body: map[string]any{
			"offers": []map[string]any{
				{"offerId": a.result.OfferID},
			},
		},
	})
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	if !resp.Success {
		return domain.OutcomeFailed, "", resp.Err
	}

	var payload struct {
		FeeSummaries []struct {
			Fees []struct {
				FeeType string `json:"feeType"`
				Amount  struct {
					Value    string `json:"value"`
					Currency string `json:"currency"`
				} `json:"amount"`
			} `json:"fees"`
		} `json:"feeSummaries"`
	}
	if err := resp.Decode(&payload); err != nil {
		return domain.OutcomeFailed, "", fmt.Errorf("decode fee response: %w", err)
	}
	for _, summary := range payload.FeeSummaries {
		for _, fee := range summary.Fees {
			a.result.Fees = append(a.result.Fees, domain.Fee{
				Type:     fee.FeeType,
				Amount:   fee.Amount.Value,
				Currency: fee.Amount.Currency,
			})
		}
	}
	return domain.OutcomeSuccess, "", nil
}

func (a *attempt) publishOffer(ctx context.Context) (domain.Outcome, string, error) {
	resp, err := a.svc.client.Do(ctx, client.Request{
		Method:      http.MethodPost,
		Path:        "/sell/inventory/v1/offer/" + url.PathEscape(a.result.OfferID) + "/publish",
		AccessToken: a.token,
	})
	if err != nil {
		return domain.OutcomeFailed, "", err
	}
	if !resp.Success {
		return domain.OutcomeFailed, "", resp.Err
	}

	var published struct {
		ListingID string `json:"listingId"`
	}
	if err := resp.Decode(&published); err != nil {
		return domain.OutcomeFailed, "", fmt.Errorf("decode publish response: %w", err)
	}
	a.result.EbayListingID = published.ListingID
	a.result.ListingURL = a.svc.listingURL(published.ListingID)
	return domain.OutcomeSuccess, "listing " + published.ListingID, nil
}

func (s *Service) listingURL(listingID string) string {
	if s.cfg.Environment == "production" {
		return productionItemURL + listingID
	}
	return sandboxItemURL + listingID
}

func minorUnitsToDecimal(amount int64) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}
