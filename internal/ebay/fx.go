package ebay

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/resellrai/resellr/internal/config"
	"github.com/resellrai/resellr/internal/ebay/auth"
	ebayclient "github.com/resellrai/resellr/internal/ebay/client"
)

// Module wires the resilient API client and the OAuth session manager.
var Module = fx.Module("ebay",
	fx.Provide(func(cfg config.Config, log *zap.Logger) *ebayclient.Client {
		return ebayclient.New(cfg.Ebay, log)
	}),
	fx.Provide(auth.NewRepository),
	fx.Provide(auth.NewService),
)
