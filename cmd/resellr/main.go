package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/resellrai/resellr/internal/billing"
	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
	"github.com/resellrai/resellr/internal/ebay"
	"github.com/resellrai/resellr/internal/entitlement"
	"github.com/resellrai/resellr/internal/listing"
	"github.com/resellrai/resellr/internal/migration"
	"github.com/resellrai/resellr/internal/observability/logger"
	"github.com/resellrai/resellr/internal/observability/metrics"
	"github.com/resellrai/resellr/internal/observability/tracing"
	"github.com/resellrai/resellr/internal/publish"
	"github.com/resellrai/resellr/internal/server"
	"github.com/resellrai/resellr/internal/tokenvault"
	"github.com/resellrai/resellr/pkg/db"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		metrics.Module,
		clock.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		fx.Provide(newRedisClient),
		db.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return migration.RunMigrations(sqlDB)
		}),
		tokenvault.Module,
		ebay.Module,
		listing.Module,
		entitlement.Module,
		publish.Module,
		billing.Module,
		server.Module,
	)
	app.Run()
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}
