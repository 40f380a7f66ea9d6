package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	billingdomain "github.com/resellrai/resellr/internal/billing/domain"
	ebaydomain "github.com/resellrai/resellr/internal/ebay/domain"
	"github.com/resellrai/resellr/internal/listing"
	obscontext "github.com/resellrai/resellr/internal/observability/context"
	publishdomain "github.com/resellrai/resellr/internal/publish/domain"
	"github.com/resellrai/resellr/internal/tokenvault"
)

// apiError is the wire shape for every handler failure.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *apiError) Error() string { return e.Code }

var (
	ErrUnauthorized = &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "authentication required"}
	ErrForbidden    = &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "not allowed"}
	ErrNotFound     = &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "resource not found"}
	ErrRateLimited  = &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many requests"}
)

func invalidRequestError() *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "invalid request"}
}

func newValidationError(field, code, message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: code, Message: message, Field: field}
}

// AbortWithError maps domain errors onto HTTP responses and stops the chain.
func AbortWithError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, errorEnvelope(c, apiErr))
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"
	message := "internal error"

	switch {
	case errors.Is(err, publishdomain.ErrUpgradeRequired):
		status = http.StatusPaymentRequired
		code = "upgrade_required"
		message = "a premium subscription or free trial is required to publish"
	case errors.Is(err, ebaydomain.ErrReauthRequired):
		status = http.StatusConflict
		code = "ebay_reauth_required"
		message = "the eBay connection has expired, reconnect the account"
	case errors.Is(err, ebaydomain.ErrNotConnected):
		status = http.StatusConflict
		code = "ebay_not_connected"
		message = "no eBay account is connected"
	case errors.Is(err, listing.ErrDraftNotFound):
		status = http.StatusNotFound
		code = "listing_not_found"
		message = "listing draft not found"
	case errors.Is(err, tokenvault.ErrStateMismatch):
		status = http.StatusBadRequest
		code = "state_mismatch"
		message = "oauth state is invalid or expired"
	case errors.Is(err, billingdomain.ErrInvalidSignature):
		status = http.StatusBadRequest
		code = "invalid_signature"
		message = "webhook signature verification failed"
	case errors.Is(err, billingdomain.ErrInvalidPayload),
		errors.Is(err, billingdomain.ErrInvalidEvent):
		status = http.StatusBadRequest
		code = "invalid_payload"
		message = "webhook payload could not be parsed"
	case errors.Is(err, billingdomain.ErrInvalidProvider),
		errors.Is(err, billingdomain.ErrProviderNotFound):
		status = http.StatusNotFound
		code = "unknown_provider"
		message = "unknown billing provider"
	}

	c.AbortWithStatusJSON(status, errorEnvelope(c, &apiError{
		Status:  status,
		Code:    code,
		Message: message,
	}))
}

// errorEnvelope attaches the request id so callers can quote it in reports.
func errorEnvelope(c *gin.Context, apiErr *apiError) gin.H {
	envelope := gin.H{"error": apiErr}
	if requestID := obscontext.RequestIDFromGin(c); requestID != "" {
		envelope["request_id"] = requestID
	}
	return envelope
}
