package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	obscontext "github.com/resellrai/resellr/internal/observability/context"
)

// HeaderUserID carries the authenticated user id, set by the edge proxy in
// front of this service.
const HeaderUserID = "X-User-ID"

const contextUserIDKey = "user_id"

// UserRequired rejects requests without a resolvable user identity.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Request = c.Request.WithContext(
			obscontext.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) (int64, bool) {
	value, ok := c.Get(contextUserIDKey)
	if !ok {
		return 0, false
	}
	userID, ok := value.(int64)
	return userID, ok && userID > 0
}

func userKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
