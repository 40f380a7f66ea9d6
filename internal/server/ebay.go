package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/resellrai/resellr/internal/tokenvault"
)

// EbayConnect issues a CSRF state and returns the consent URL the client
// should redirect the user to.
func (s *Server) EbayConnect(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	state, err := tokenvault.GenerateState()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.states.Save(c.Request.Context(), state, userID, s.cfg.OAuthStateTTL); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": s.authSvc.AuthorizationURL(state),
		"state":             state,
	})
}

// EbayCallback consumes the state, exchanges the authorization code, and
// grants the one-time free publish trial.
func (s *Server) EbayCallback(c *gin.Context) {
	code := strings.TrimSpace(c.Query("code"))
	state := strings.TrimSpace(c.Query("state"))
	if code == "" || state == "" {
		AbortWithError(c, newValidationError("code", "missing_callback_params", "code and state are required"))
		return
	}

	ctx := c.Request.Context()
	userID, err := s.states.Consume(ctx, state)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.authSvc.ExchangeCode(ctx, userID, code, s.cfg.Ebay.RedirectURI); err != nil {
		AbortWithError(c, err)
		return
	}

	// First-connection bonus. Reconnects hit the conflict clause and move on.
	if err := s.entitlementSvc.GrantOnEbayConnect(ctx, userID); err != nil {
		s.log.Error("trial grant failed on connect",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

// EbayDisconnect removes the caller's stored eBay tokens.
func (s *Server) EbayDisconnect(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.authSvc.Disconnect(c.Request.Context(), userID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}
