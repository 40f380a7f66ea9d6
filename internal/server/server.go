package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	billingdomain "github.com/resellrai/resellr/internal/billing/domain"
	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
	"github.com/resellrai/resellr/internal/ebay/auth"
	entitlementdomain "github.com/resellrai/resellr/internal/entitlement/domain"
	"github.com/resellrai/resellr/internal/observability/metrics"
	publishdomain "github.com/resellrai/resellr/internal/publish/domain"
	publishrepository "github.com/resellrai/resellr/internal/publish/repository"
	"github.com/resellrai/resellr/internal/tokenvault"
)

type Params struct {
	fx.In

	Cfg            config.Config
	Log            *zap.Logger
	DB             *gorm.DB
	Clock          clock.Clock
	PublishSvc     publishdomain.Service
	PublishAudit   publishrepository.Repository
	AuthSvc        *auth.Service
	EntitlementSvc entitlementdomain.Service
	BillingSvc     billingdomain.Service
	States         tokenvault.StateStore
	Metrics        *metrics.HTTPMetrics
}

// Server holds the HTTP handler dependencies.
type Server struct {
	cfg            config.Config
	log            *zap.Logger
	db             *gorm.DB
	publishSvc     publishdomain.Service
	publishAudit   publishrepository.Repository
	authSvc        *auth.Service
	entitlementSvc entitlementdomain.Service
	billingSvc     billingdomain.Service
	states         tokenvault.StateStore
	metrics        *metrics.HTTPMetrics
	webhookLimiter *rateLimiter
	publishLimiter *rateLimiter
}

func NewServer(p Params) *Server {
	rpm := p.Cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 600
	}
	return &Server{
		cfg:            p.Cfg,
		log:            p.Log.Named("server"),
		db:             p.DB,
		publishSvc:     p.PublishSvc,
		publishAudit:   p.PublishAudit,
		authSvc:        p.AuthSvc,
		entitlementSvc: p.EntitlementSvc,
		billingSvc:     p.BillingSvc,
		states:         p.States,
		metrics:        p.Metrics,
		webhookLimiter: newRateLimiter(rpm, time.Minute, p.Clock),
		publishLimiter: newRateLimiter(rpm, time.Minute, p.Clock),
	}
}

// HTTPServer wraps a gin.Engine with graceful shutdown.
type HTTPServer struct {
	Engine *gin.Engine
}

func NewHTTPServer(engine *gin.Engine) *HTTPServer {
	engine.HandleMethodNotAllowed = true
	engine.ForwardedByClientIP = true
	return &HTTPServer{Engine: engine}
}

// Run serves on addr until ctx is canceled, then drains in-flight requests.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Engine,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// RunHTTP ties the HTTP server to the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, srv *HTTPServer, cfg config.Config, log *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.Run(runCtx, addr); err != nil {
					log.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Provide(NewRouter),
	fx.Provide(NewHTTPServer),
	fx.Invoke(RunHTTP),
)
