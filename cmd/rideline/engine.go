package main

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/rideline/internal/config"
	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/protocol"
	"github.com/user/rideline/internal/relay"
	"github.com/user/rideline/internal/ride"
)

func newPool(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) *relay.Pool {
	var metrics *relay.Metrics
	if reg != nil {
		metrics = relay.NewMetrics(reg, "rideline")
	}
	return relay.NewPool(relay.PoolConfig{
		Connection: relay.ConnectionConfig{
			QueueCapacity: cfg.Relay.QueueCapacity,
			DialTimeout:   time.Duration(cfg.Relay.DialTimeoutSec) * time.Second,
			Retry: &relay.RetryPolicy{
				InitialDelay: time.Duration(cfg.Relay.ReconnectInitialMs) * time.Millisecond,
				Multiplier:   cfg.Relay.ReconnectMultiplier,
				MaxDelay:     time.Duration(cfg.Relay.ReconnectMaxMs) * time.Millisecond,
			},
			Logger:  logger,
			Metrics: metrics,
		},
		IsProtocolKind:     protocol.IsProtocolKind,
		SubscriptionMaxAge: time.Duration(cfg.Pool.SubscriptionMaxAgeSec) * time.Second,
		SettleDelay:        time.Duration(cfg.Pool.SettleDelayMs) * time.Millisecond,
		Dedupe:             cfg.Pool.Dedupe,
		Logger:             logger,
		Metrics:            metrics,
	})
}

func orchestratorConfig(cfg *config.Config, logger *slog.Logger) ride.Config {
	return ride.Config{
		ConnectTimeout:  time.Duration(cfg.Protocol.ConnectTimeoutSec) * time.Second,
		EOSETimeout:     time.Duration(cfg.Protocol.EOSETimeoutSec) * time.Second,
		DeletionRecheck: time.Duration(cfg.Protocol.DeletionRecheckSec) * time.Second,
		AdminPubKey:     cfg.Admin.PubKey,
		Logger:          logger,
	}
}

// signerFromConfig returns nil when no secret key is configured; the
// orchestrator then runs read-only.
func signerFromConfig(cfg *config.Config) (identity.Signer, error) {
	if cfg.Identity.SecretKey == "" {
		return nil, nil
	}
	ks, err := identity.NewKeySigner(cfg.Identity.SecretKey)
	if err != nil {
		return nil, err
	}
	return ks, nil
}
