package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/adapter"
	"github.com/jx4life/postbridge/internal/attempt"
	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/crypto"
	httptransport "github.com/jx4life/postbridge/internal/http"
	"github.com/jx4life/postbridge/internal/http/handler"
	httpmiddleware "github.com/jx4life/postbridge/internal/http/middleware"
	apimiddleware "github.com/jx4life/postbridge/internal/middleware"
	"github.com/jx4life/postbridge/internal/poll"
	"github.com/jx4life/postbridge/internal/secrets"
	"github.com/jx4life/postbridge/internal/server"
	authservice "github.com/jx4life/postbridge/internal/service/auth"
	"github.com/jx4life/postbridge/internal/store"
	"github.com/jx4life/postbridge/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newSecretsClient,
			newTokenCipher,
			newCredentialStore,
			newAttemptStore,
			newAdapterBase,
			newFarcasterSigner,
			newTikTokAdapter,
			newAdapterRegistry,
			newPollManager,
			newOrchestrator,
			newRateLimiter,
			newAuthMiddleware,
			handler.NewConnectHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
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

func newSecretsClient(cfg config.Config, logger *zap.Logger) secrets.Client {
	return secrets.NewHTTPClient(cfg.SecretsBaseURL, cfg.SecretsServiceKey, nil, logger)
}

func newTokenCipher(source secrets.Client, cfg config.Config) *crypto.TokenCipher {
	return crypto.NewTokenCipher(source, cfg.JWTSecret)
}

func newCredentialStore(client redis.UniversalClient, pool *pgxpool.Pool, node *snowflake.Node, cipher *crypto.TokenCipher, logger *zap.Logger) *store.CredentialStore {
	return store.New(
		store.NewRedisLocalStore(client),
		store.NewPostgresRemoteStore(pool, node),
		cipher,
		logger,
	)
}

func newAttemptStore(client redis.UniversalClient) attempt.Store {
	return attempt.NewRedisStore(client)
}

func newAdapterBase(cfg config.Config, source secrets.Client, logger *zap.Logger) adapter.Base {
	return adapter.NewBase(cfg, source, nil, logger)
}

func newFarcasterSigner(base adapter.Base) *adapter.FarcasterSigner {
	return adapter.NewFarcasterSigner(base)
}

func newTikTokAdapter(base adapter.Base) *adapter.TikTok {
	return adapter.NewTikTok(base)
}

func newAdapterRegistry(base adapter.Base, tiktok *adapter.TikTok, logger *zap.Logger) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	for _, a := range []adapter.Adapter{
		adapter.NewTwitter(base),
		adapter.NewFacebook(base),
		tiktok,
		adapter.NewFarcasterOAuth(base),
		adapter.NewLens(base),
	} {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}

	platforms := registry.Platforms()
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = p.String()
	}
	logger.Info("platform adapters registered", zap.Strings("platforms", names))
	return registry, nil
}

func newPollManager(lc fx.Lifecycle) *poll.Manager {
	manager := poll.NewManager()
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			manager.Shutdown()
			return nil
		},
	})
	return manager
}

func newOrchestrator(
	lc fx.Lifecycle,
	registry *adapter.Registry,
	signer *adapter.FarcasterSigner,
	tiktok *adapter.TikTok,
	creds *store.CredentialStore,
	attempts attempt.Store,
	sessions *poll.Manager,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *authservice.Orchestrator {
	orch := authservice.New(registry, signer, tiktok, creds, attempts, sessions, node, cfg, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			orch.Shutdown()
			return nil
		},
	})
	return orch
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newAuthMiddleware(cfg config.Config) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(cfg)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
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
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
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

func useTelemetry(*telemetry.Provider) {}
