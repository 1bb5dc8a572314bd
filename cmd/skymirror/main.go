package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/skymirrorhq/skymirror/internal/httpapi"
	"github.com/skymirrorhq/skymirror/internal/mirror"
)

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "run":
		runOnce()
	case "serve":
		serve()
	default:
		log.Fatalf("unknown mode %q (expected run or serve)", mode)
	}
}

type app struct {
	store        *mirror.Store
	orchestrator *mirror.Orchestrator
	backfill     *mirror.BackfillWorker
	collections  *collectionSource
}

func buildApp() (*app, error) {
	store, err := mirror.OpenStore(stringEnv("SKYMIRROR_DB_DSN", "sqlite://skymirror.db"))
	if err != nil {
		return nil, err
	}

	collections, err := buildCollectionSource()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var validator *mirror.RecordValidator
	if schemaDir := os.Getenv("SKYMIRROR_SCHEMA_DIR"); schemaDir != "" {
		validator, err = mirror.LoadValidator(schemaDir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	feed := mirror.NewJetstreamFeed(
		stringEnv("SKYMIRROR_JETSTREAM_URL", "wss://jetstream2.us-east.bsky.network/subscribe"),
		collections.Load,
	)
	ingestor := mirror.NewIngestor(feed, mirror.IngestorOptions{
		Validator:        validator,
		StrictValidation: boolEnv("SKYMIRROR_STRICT_VALIDATION", false),
	})

	resolver := mirror.NewDIDResolver(os.Getenv("SKYMIRROR_PLC_URL"), nil)
	lister := mirror.NewXRPCLister(nil)
	backfill := mirror.NewBackfillWorker(store, resolver, lister, mirror.BackfillWorkerOptions{
		PageSize: intEnv("SKYMIRROR_PAGE_SIZE", 0),
	})

	orchestrator := mirror.NewOrchestrator(store, ingestor, backfill, mirror.OrchestratorOptions{
		RunBudget:    durationEnv("SKYMIRROR_RUN_BUDGET", 0),
		IngestBudget: durationEnv("SKYMIRROR_INGEST_BUDGET", 0),
	})

	return &app{
		store:        store,
		orchestrator: orchestrator,
		backfill:     backfill,
		collections:  collections,
	}, nil
}

// runOnce performs a single scheduled invocation, cron-style. Failures
// inside the invocation are logged, not fatal: the next schedule retries.
func runOnce() {
	application, err := buildApp()
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer application.store.Close()

	application.orchestrator.Run(context.Background())
}

// serve runs the read API alongside an interval scheduler and, when the
// collections file is configured, hot-reloads it on change.
func serve() {
	application, err := buildApp()
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer application.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if file := os.Getenv("SKYMIRROR_COLLECTIONS_FILE"); file != "" {
		go watchCollectionsFile(ctx, file, application.collections)
	}

	api := httpapi.NewServer(application.store, httpapi.ServerConfig{
		Collections:    application.collections.Load,
		Backfill:       application.backfill,
		BackfillBudget: durationEnv("SKYMIRROR_API_BACKFILL_BUDGET", 0),
	})
	addr := stringEnv("SKYMIRROR_ADDR", ":8080")
	server := &http.Server{Addr: addr, Handler: api}
	go func() {
		log.Infof("skymirror listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	interval := durationEnv("SKYMIRROR_INTERVAL", time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	application.orchestrator.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			log.Info("skymirror stopping")
			return
		case <-ticker.C:
			application.orchestrator.Run(ctx)
		}
	}
}
