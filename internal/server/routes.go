package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/resellrai/resellr/internal/observability/logger"
	"github.com/resellrai/resellr/internal/observability/metrics"
)

// NewRouter wires gin middleware and routes.
func NewRouter(s *Server) *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz"},
	}))
	r.Use(otelgin.Middleware(s.cfg.ServiceName))
	r.Use(metrics.GinMiddleware(s.metrics))

	r.GET("/healthz", s.Healthz)

	api := r.Group("/api/v1", s.UserRequired())
	{
		api.POST("/listings/:id/publish", s.publishRateLimit(), s.PublishListing)
		api.GET("/publishes", s.ListPublishes)
		api.GET("/entitlement", s.GetEntitlement)

		ebay := api.Group("/ebay")
		{
			ebay.GET("/connect", s.EbayConnect)
			ebay.DELETE("/connection", s.EbayDisconnect)
		}
	}

	// The callback arrives via browser redirect from eBay; the consumed
	// state, not a header, identifies the user.
	r.GET("/api/v1/ebay/callback", s.EbayCallback)

	r.POST("/webhooks/billing/:provider", s.webhookRateLimit(), s.BillingWebhook)

	return r
}

// publishRateLimit throttles publish attempts per user.
func (s *Server) publishRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if !s.publishLimiter.Allow(userKey(userID)) {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

// webhookRateLimit throttles webhook ingestion per remote address.
func (s *Server) webhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Allow(c.ClientIP()) {
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
