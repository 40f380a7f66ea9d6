package tokenvault

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/resellrai/resellr/internal/config"
)

// Module provides the vault and the OAuth state store.
var Module = fx.Module("tokenvault",
	fx.Provide(func(cfg config.Config) (*Vault, error) {
		return New(cfg.TokenEncryptionKey)
	}),
	fx.Provide(func(client redis.UniversalClient) StateStore {
		return NewRedisStateStore(client)
	}),
)
