package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/user/rideline/internal/config"
	"github.com/user/rideline/internal/delivery"
	"github.com/user/rideline/internal/diagnostics"
	"github.com/user/rideline/internal/identity"
	"github.com/user/rideline/internal/protocol"
	"github.com/user/rideline/internal/relay"
	"github.com/user/rideline/internal/ride"
	"github.com/user/rideline/internal/scheduler"
	"github.com/user/rideline/internal/state"
	"github.com/user/rideline/internal/worker"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rideline daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "rideline.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local store
	store, err := state.Open(ctx, cfg.Store.Backend, cfg.DataDir, cfg.Store.RedisAddr)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	relayList := state.NewRelayList(store)
	saved, err := relayList.Load(ctx)
	if err != nil {
		return fmt.Errorf("load relay list: %w", err)
	}

	// Relay pool
	registry := prometheus.NewRegistry()
	pool := newPool(cfg, logger, registry)
	defer pool.Close()
	urls := state.Merge(cfg.Relays, saved)
	if len(urls) == 0 {
		logger.Warn("no relays configured; add one with 'rideline relay add'")
	}
	for _, u := range urls {
		pool.AddRelay(u)
	}
	pool.Connect()

	// Decrypt workers
	workers := worker.NewPool(int64(cfg.Protocol.DecryptWorkers), logger)
	workers.Start(ctx)
	defer workers.Stop()

	signer, err := signerFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	orch := ride.New(pool, workers, signer, orchestratorConfig(cfg, logger))

	if signer != nil {
		inbox := newInbox(signer, logger)
		if _, err := orch.SubscribeInbox(inbox.Kinds(), time.Now(), inbox.Deliver); err != nil {
			return fmt.Errorf("subscribe inbox: %w", err)
		}
	} else {
		logger.Warn("no identity configured; running read-only")
	}

	logger.Info("rideline started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"relays", len(urls),
		"store", cfg.Store.Backend,
		"pubkey", orch.PublicKey(),
		"pid_file", pidPath,
	)

	// Scheduler
	sched := scheduler.New(scheduledJobs(cfg, pool, relayList)...)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	logger.Info("scheduler started", "reconcile", cfg.Pool.ReconcileSchedule)

	// Diagnostics HTTP server
	if cfg.HTTP.Enabled {
		srv := diagnostics.NewServer(pool, registry, logger)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: srv,
		}
		go func() {
			logger.Info("diagnostics server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("diagnostics server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGUSR1:
			reloadConfig(ctx, logger, pool, sched, relayList)
			continue
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				logger.Error("failed to get executable path", "error", err)
				continue
			}
			if err := relayList.Save(ctx, pool.Relays()); err != nil {
				logger.Warn("failed to save relay list", "error", err)
			}
			// Clean up PID file and release the store before re-exec
			os.Remove(pidPath)
			store.Close()
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				logger.Error("failed to re-exec", "error", err)
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		// SIGINT or SIGTERM
		logger.Info("shutting down", "signal", sig)
		if err := relayList.Save(ctx, pool.Relays()); err != nil {
			logger.Warn("failed to save relay list", "error", err)
		}
		return nil
	}
}

// scheduledJobs are the periodic jobs serve runs for cfg.
func scheduledJobs(cfg *config.Config, pool *relay.Pool, relayList *state.RelayList) []scheduler.Job {
	return []scheduler.Job{
		scheduler.ReconcileJob(pool, cfg.Pool.ReconcileSchedule),
		scheduler.PersistRelaysJob(pool, relayList, "@every 5m"),
	}
}

// reloadConfig re-reads the config file in place: relays it names join the
// pool and the jobs are rescheduled. Everything else needs a restart.
func reloadConfig(ctx context.Context, logger *slog.Logger, pool *relay.Pool, sched *scheduler.Scheduler, relayList *state.RelayList) {
	next, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("reload: config not loaded", "error", err)
		return
	}
	added := 0
	for _, u := range next.Relays {
		if pool.AddRelay(u) {
			added++
		}
	}
	if err := sched.Reload(ctx, scheduledJobs(next, pool, relayList)...); err != nil {
		logger.Warn("reload: scheduler not restarted", "error", err)
		return
	}
	logger.Info("configuration reloaded", "relays_added", added, "reconcile", next.Pool.ReconcileSchedule)
}

// newInbox routes events addressed to us by kind and logs what arrived.
func newInbox(signer identity.Signer, logger *slog.Logger) *delivery.Registry {
	reg := delivery.NewRegistry()
	reg.Register(protocol.KindOffer, func(ctx context.Context, ev *nostr.Event) error {
		offer, err := protocol.ParseOffer(ctx, signer, ev)
		if err != nil {
			logger.Debug("offer dropped", "event_id", ev.ID, "error", err)
			return nil
		}
		logger.Info("ride offer",
			"event_id", offer.EventID,
			"rider", offer.PubKey,
			"fare", offer.FareEstimate,
			"pickup", offer.Pickup.Approximate(protocol.PublicPrecision),
		)
		return nil
	})
	reg.Register(protocol.KindChat, func(ctx context.Context, ev *nostr.Event) error {
		chat, err := protocol.ParseChat(ctx, signer, ev)
		if err != nil {
			logger.Debug("chat dropped", "event_id", ev.ID, "error", err)
			return nil
		}
		logger.Info("chat", "ride", chat.RideID, "from", chat.PubKey, "message", chat.Message)
		return nil
	})
	reg.Register(protocol.KindCancellation, func(ctx context.Context, ev *nostr.Event) error {
		c, err := protocol.ParseCancellation(ctx, signer, ev)
		if err != nil {
			logger.Debug("cancellation dropped", "event_id", ev.ID, "error", err)
			return nil
		}
		logger.Info("ride cancelled", "ride", c.RideID, "by", c.PubKey, "reason", c.Reason)
		return nil
	})
	return reg
}
