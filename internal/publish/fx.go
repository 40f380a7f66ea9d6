package publish

import (
	"go.uber.org/fx"

	"github.com/resellrai/resellr/internal/publish/repository"
	"github.com/resellrai/resellr/internal/publish/service"
)

var Module = fx.Module("publish.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
