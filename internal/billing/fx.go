package billing

import (
	"go.uber.org/fx"

	"github.com/resellrai/resellr/internal/billing/adapters"
	"github.com/resellrai/resellr/internal/billing/adapters/stripe"
	"github.com/resellrai/resellr/internal/billing/service"
	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
)

var Module = fx.Module("billing.service",
	fx.Provide(func(cfg config.Config, clk clock.Clock) *adapters.Registry {
		return adapters.NewRegistry(stripe.NewAdapter(cfg.Stripe, clk))
	}),
	fx.Provide(service.NewService),
)
