package entitlement

import (
	"go.uber.org/fx"

	"github.com/resellrai/resellr/internal/entitlement/service"
)

// Module provides the entitlement ledger.
var Module = fx.Module("entitlement.service",
	fx.Provide(service.NewService),
)
