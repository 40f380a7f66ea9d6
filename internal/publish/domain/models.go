package domain

import (
	"context"
	"errors"

	ebaydomain "github.com/resellrai/resellr/internal/ebay/domain"
)

// Step names one stage of the publish pipeline. Steps run in strict forward
// order; a fatal failure stops the pipeline at the failing step.
type Step string

const (
	StepLocation  Step = "location"
	StepInventory Step = "inventory"
	StepPolicies  Step = "policies"
	StepOffer     Step = "offer"
	StepFees      Step = "fees"
	StepPublish   Step = "publish"
)

// Next returns the step that follows s, or "" after the final step.
func (s Step) Next() Step {
	switch s {
	case StepLocation:
		return StepInventory
	case StepInventory:
		return StepPolicies
	case StepPolicies:
		return StepOffer
	case StepOffer:
		return StepFees
	case StepFees:
		return StepPublish
	default:
		return ""
	}
}

// Outcome is the per-step verdict recorded in the attempt audit trail.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomeSkipped marks work that already existed and needed no call,
	// such as a merchant location created by a previous attempt.
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StepResult is one step's outcome within a publish attempt.
type StepResult struct {
	Step    Step    `json:"step"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// Fee is one marketplace fee line from the fee estimate step.
type Fee struct {
	Type     string `json:"type"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Result is the terminal outcome of one publish attempt. On failure it
// carries the failing step and the normalized API error; earlier steps are
// never rolled back, their objects are reused by the next attempt.
type Result struct {
	Success       bool                `json:"success"`
	TraceID       string              `json:"traceId"`
	SKU           string              `json:"sku,omitempty"`
	OfferID       string              `json:"offerId,omitempty"`
	EbayListingID string              `json:"ebayListingId,omitempty"`
	ListingURL    string              `json:"listingUrl,omitempty"`
	Fees          []Fee               `json:"fees,omitempty"`
	FailedStep    Step                `json:"failedStep,omitempty"`
	ErrorCode     string              `json:"errorCode,omitempty"`
	ErrorMessage  string              `json:"errorMessage,omitempty"`
	Recovery      ebaydomain.Recovery `json:"recovery,omitempty"`
	Steps         []StepResult        `json:"steps"`
}

var (
	// ErrUpgradeRequired is returned when neither a premium subscription
	// nor an unused free trial covers the publish.
	ErrUpgradeRequired = errors.New("upgrade_required")

	// ErrMissingPolicies means the seller has not configured all of the
	// fulfillment, payment, and return business policies. Fatal, not
	// retryable, the user must fix their account first.
	ErrMissingPolicies = errors.New("missing_business_policies")
)

// Service runs the publish pipeline for a listing draft.
type Service interface {
	Publish(ctx context.Context, userID, listingID int64) (*Result, error)
}
