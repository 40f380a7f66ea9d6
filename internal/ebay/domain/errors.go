package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Recovery tells the caller what to do about a failed API call.
type Recovery string

const (
	// RecoveryNone means the failure is terminal for this request.
	RecoveryNone Recovery = "none"
	// RecoveryRetry means the call may succeed if repeated later.
	RecoveryRetry Recovery = "retry"
	// RecoveryReauth means the user must reconnect their eBay account.
	RecoveryReauth Recovery = "reauth"
)

var (
	// ErrReauthRequired is surfaced when tokens are invalid or expired
	// beyond refresh. Callers never retry it automatically.
	ErrReauthRequired = errors.New("ebay_reauth_required")

	// ErrNotConnected is returned when no eBay account is linked to a user.
	ErrNotConnected = errors.New("ebay_not_connected")
)

// APIError is the normalized failure shape for every eBay response.
type APIError struct {
	Code       string
	Message    string
	Recovery   Recovery
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// oauthErrorBody is the token-endpoint failure shape.
type oauthErrorBody struct {
	Err         string `json:"error"`
	Description string `json:"error_description"`
}

// apiErrorBody is the sell-API failure shape.
type apiErrorBody struct {
	Errors []struct {
		ErrorID     int    `json:"errorId"`
		Message     string `json:"message"`
		LongMessage string `json:"longMessage"`
	} `json:"errors"`
}

// ParseAPIError normalizes a non-2xx response body into an APIError. It
// understands the OAuth error shape, the sell-API errors array, and plain
// text bodies.
func ParseAPIError(statusCode int, body []byte, header http.Header) *APIError {
	out := &APIError{
		Code:     "http_" + strconv.Itoa(statusCode),
		Message:  http.StatusText(statusCode),
		Recovery: recoveryForStatus(statusCode),
	}
	if statusCode == 0 {
		out.Code = "network_error"
		out.Message = "request failed before a response was received"
		out.Recovery = RecoveryRetry
	}
	if statusCode == http.StatusTooManyRequests {
		out.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}

	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return out
	}

	var oauthErr oauthErrorBody
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Err != "" {
		out.Code = oauthErr.Err
		if oauthErr.Description != "" {
			out.Message = oauthErr.Description
		}
		if oauthErr.Err == "invalid_grant" || oauthErr.Err == "invalid_token" {
			out.Recovery = RecoveryReauth
		}
		return out
	}

	var apiErr apiErrorBody
	if err := json.Unmarshal(body, &apiErr); err == nil && len(apiErr.Errors) > 0 {
		first := apiErr.Errors[0]
		out.Code = "ebay_" + strconv.Itoa(first.ErrorID)
		if first.LongMessage != "" {
			out.Message = first.LongMessage
		} else if first.Message != "" {
			out.Message = first.Message
		}
		return out
	}

	if len(trimmed) > 256 {
		trimmed = trimmed[:256]
	}
	out.Message = trimmed
	return out
}

func recoveryForStatus(statusCode int) Recovery {
	switch {
	case statusCode == http.StatusUnauthorized:
		return RecoveryReauth
	case statusCode == http.StatusTooManyRequests:
		return RecoveryRetry
	case statusCode >= 500:
		return RecoveryRetry
	default:
		return RecoveryNone
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
