package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gabrielenos/lancip/internal/api"
	"github.com/gabrielenos/lancip/internal/auth"
	"github.com/gabrielenos/lancip/internal/config"
	"github.com/gabrielenos/lancip/internal/observability"
	"github.com/gabrielenos/lancip/internal/relay"
	"github.com/gabrielenos/lancip/internal/storage"
	"github.com/gabrielenos/lancip/internal/types"
	"github.com/gabrielenos/lancip/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := observability.SetLogLevel(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := storage.New(resources.Postgres)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare schema")
	}

	issuer, err := auth.NewIssuer(auth.Options{Secret: []byte(cfg.JWTSecret), TTL: cfg.JWTTTL})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token issuer")
	}
	sessions := auth.NewService(issuer, auth.NewSessionStore(resources.Redis), logger.With().Str("component", "auth").Logger(),
		auth.WithSessionCache(10000, 5*time.Second))

	registry := ws.NewConnectionRegistry(logger.With().Str("component", "registry").Logger())
	router, err := relay.New(cfg.Relay.Mode, registry, logger.With().Str("component", "relay").Logger(), relay.Options{
		EnforceSender: cfg.Relay.RequireToken,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build relay router")
	}

	gateway, err := ws.NewGateway(
		authenticator(cfg, sessions, logger),
		registry,
		router,
		logger.With().Str("component", "gateway").Logger(),
		ws.Hooks{},
		ws.GatewayConfig{
			HeartbeatInterval: cfg.Relay.HeartbeatInterval,
			WriteTimeout:      cfg.Relay.WriteTimeout,
			MaxMessageSize:    cfg.Relay.MaxMessageBytes,
			AllowedOrigins:    cfg.AllowedOrigins,
		},
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewRouter(api.Deps{
		Store:    store,
		Sessions: sessions,
		Relay:    registry,
		Mode:     cfg.Relay.Mode,
		Origins:  ws.NewOriginPolicy(cfg.AllowedOrigins),
		Gateway:  gateway,
		Logger:   logger.With().Str("component", "api").Logger(),
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("mode", string(cfg.Relay.Mode)).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, logger, cfg.HealthcheckProbe)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("websocket sessions did not drain in time")
	}
	registry.CloseAll()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// authenticator picks how websocket handshakes prove who they are. With
// tokens required every handshake must name its user, broadcast mode included.
func authenticator(cfg config.Config, verifier ws.TokenVerifier, logger zerolog.Logger) ws.Authenticator {
	claimed := ws.QueryAuthenticator{Optional: cfg.Relay.Mode == types.ModeBroadcast && !cfg.Relay.RequireToken}
	if !cfg.Relay.RequireToken {
		logger.Warn().Msg("websocket token check disabled; userId is trusted as sent")
		return claimed
	}
	return ws.TokenAuthenticator{Claimed: claimed, Verifier: verifier}
}

func healthLoop(ctx context.Context, resources *config.Resources, logger zerolog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
