package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execbox/execbox/internal/api"
	"github.com/execbox/execbox/internal/blob"
	"github.com/execbox/execbox/internal/cleanup"
	"github.com/execbox/execbox/internal/config"
	"github.com/execbox/execbox/internal/dispatch"
	"github.com/execbox/execbox/internal/events"
	"github.com/execbox/execbox/internal/filestore"
	"github.com/execbox/execbox/internal/job"
	"github.com/execbox/execbox/internal/orchestrator"
	"github.com/execbox/execbox/internal/pool"
	"github.com/execbox/execbox/internal/runtime"
	"github.com/execbox/execbox/internal/session"
	"github.com/execbox/execbox/internal/sidecar"
	"github.com/execbox/execbox/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// Redis backs the session registry, the hot state tier, and the file
	// metadata index. The server cannot run without it.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid EXECBOX_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	log.Printf("execbox: connected to Redis at %s", redisOpts.Addr)

	bus := events.NewBus()

	// Optional NATS mirror for external event consumers.
	if cfg.NATSURL != "" {
		mirror, err := events.NewMirror(bus, cfg.NATSURL)
		if err != nil {
			log.Printf("execbox: NATS mirror not available: %v (continuing without)", err)
		} else {
			defer mirror.Close()
			log.Printf("execbox: NATS event mirror started (%s)", cfg.NATSURL)
		}
	}

	// Object storage holds file blobs and the cold state archive.
	objects, err := blob.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize object storage: %v", err)
	}
	log.Printf("execbox: object storage configured (bucket=%s)", cfg.S3Bucket)

	// Kubernetes runtime. Execution degrades to 503 when unavailable, so
	// the state and file APIs keep working without a cluster.
	var rt runtime.Runtime
	k8s, err := runtime.NewKubernetes(cfg)
	if err != nil {
		log.Printf("execbox: kubernetes not available (execution disabled): %v", err)
		rt = (*runtime.Kubernetes)(nil)
	} else {
		rt = k8s
		log.Printf("execbox: kubernetes runtime ready (namespace=%s)", cfg.KubeNamespace)
	}

	sc := sidecar.NewClient()

	pools := pool.NewManager(cfg, rt, sc, bus)
	if rt.Available() {
		pools.StartAll(ctx)
		defer pools.StopAll()
	}

	jobs := job.NewExecutor(cfg, rt, sc)
	dispatcher := dispatch.New(cfg, rt, sc, pools, jobs, bus)

	registry := session.NewRegistry(rdb, bus, cfg.SessionTTL)
	registry.StartSweep(cfg.SessionCleanupInterval)
	defer registry.Stop()

	hot := state.NewHot(rdb, cfg.HotStateTTL, cfg.UploadMarkerTTL)
	cold, err := state.NewCold(objects)
	if err != nil {
		log.Fatalf("failed to initialize cold state tier: %v", err)
	}
	// Idle states are archived to cold storage well before the hot TTL
	// expires them.
	states := state.NewStore(hot, cold, cfg.HotStateTTL/2, cfg.ColdStateTTL)

	files := filestore.NewStore(objects, rdb, bus, cfg.PresignValidity, cfg.SessionTTL)

	orch := orchestrator.New(cfg, registry, states, files, dispatcher, bus)

	sweeper := cleanup.NewScheduler(bus, files, states, cfg.StateArchiveInterval)
	sweeper.Start()
	defer sweeper.Stop()

	server := api.NewServer(cfg, orch, registry, states, files, pools)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("execbox: shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down server: %v", err)
	}
}
