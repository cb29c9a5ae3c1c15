package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thearun85/lock.io/internal/clock"
	"github.com/thearun85/lock.io/internal/config"
	"github.com/thearun85/lock.io/internal/httpapi"
	"github.com/thearun85/lock.io/internal/idgen"
	"github.com/thearun85/lock.io/internal/lockdsvc"
	"github.com/thearun85/lock.io/internal/lockservice"
	"github.com/thearun85/lock.io/internal/metrics"
	"github.com/thearun85/lock.io/internal/replication"
	"github.com/thearun85/lock.io/internal/snapshot"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	state := lockservice.NewState()

	var snapStore *snapshot.Store
	if cfg.Redis.SnapshotEnabled {
		store, err := snapshot.NewStore(cfg.Redis.Addr, cfg.Redis.SnapshotKey)
		if err != nil {
			slog.Warn("redis snapshot store unavailable, starting from empty state", "error", err)
		} else {
			snapStore = store
			defer snapStore.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			snap, found, err := snapStore.Load(ctx)
			cancel()
			if err != nil {
				slog.Warn("failed to load snapshot, starting from empty state", "error", err)
			} else if found {
				state.Restore(snap)
				slog.Info("restored state from snapshot")
			}
		}
	}

	sm := lockservice.NewStateMachine(state)

	var repl replication.Replicator
	if cfg.SingleNode() {
		slog.Info("starting in single-node mode", "self", cfg.Cluster.SelfAddress)
		repl = replication.NewLocal(cfg.Cluster.SelfAddress, sm)
	} else {
		etcdRepl, err := replication.NewEtcd(cfg.Etcd.Endpoints, cfg.Etcd.KeyPrefix, cfg.Cluster.SelfAddress, cfg.Cluster.PartnerAddresses, sm)
		if err != nil {
			log.Fatalf("failed to start etcd replicator: %v", err)
		}
		repl = etcdRepl
	}
	defer repl.Close()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	expirer := lockservice.NewExpirer(lockdsvc.ReplicatorSubmitter{Replicator: repl}, clock.Real{}.Now)
	svc := lockdsvc.New(repl, sm, clock.Real{}, idgen.UUIDGen{}, m, expirer, cfg.Session.MinTimeoutSec, cfg.Session.MaxTimeoutSec)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	if cfg.Session.CleanupIntervalSec > 0 {
		go runCleanupLoop(shutdownCtx, svc, time.Duration(cfg.Session.CleanupIntervalSec)*time.Second)
	}

	if snapStore != nil {
		go runSnapshotLoop(shutdownCtx, state, snapStore)
	}

	router := httpapi.NewRouter(svc)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		shutdownCancel()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("lockd starting", "port", cfg.Server.Port, "self", cfg.Cluster.SelfAddress)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
}

// runCleanupLoop periodically sweeps expired sessions. A non-leader's sweep
// fails with NOT_LEADER; that's expected and simply logged at debug level.
func runCleanupLoop(ctx context.Context, svc *lockdsvc.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, errd := svc.Cleanup()
			if errd != nil {
				slog.Debug("cleanup sweep skipped", "error", errd)
				continue
			}
			if count > 0 {
				slog.Info("cleanup swept expired sessions", "count", count)
			}
		}
	}
}

func runSnapshotLoop(ctx context.Context, state *lockservice.State, store *snapshot.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := store.Save(saveCtx, state.Snapshot())
			cancel()
			if err != nil {
				slog.Warn("snapshot save failed", "error", err)
			}
		}
	}
}
