package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// PublishListing runs the publish pipeline for one of the caller's drafts.
func (s *Server) PublishListing(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	raw := strings.TrimSpace(c.Param("id"))
	listingID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || listingID <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_listing_id", "invalid listing id"))
		return
	}

	result, err := s.publishSvc.Publish(c.Request.Context(), userID, listingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListPublishes returns the caller's recent publish attempts, newest first.
func (s *Server) ListPublishes(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := s.publishAudit.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"publishes": records})
}

// GetEntitlement reports whether the caller may publish directly, and why.
func (s *Server) GetEntitlement(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	decision, err := s.entitlementSvc.CanDirectPublish(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	})
}
