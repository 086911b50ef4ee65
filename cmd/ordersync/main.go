package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/ordersync/internal/backfill"
	"github.com/agentworkforce/ordersync/internal/httpapi"
	"github.com/agentworkforce/ordersync/internal/ordersync"
)

func main() {
	addr := os.Getenv("ORDERSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store := ordersync.NewStore(ordersync.StoreOptions{
		StateBackend:  stateBackend,
		StateFile:     os.Getenv("ORDERSYNC_STATE_FILE"),
		MaxEvents:     intEnv("ORDERSYNC_MAX_EVENTS", 0),
		MaxOperations: intEnv("ORDERSYNC_MAX_OPERATIONS", 0),
	})
	if err := store.Open(); err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	stages, stopWatch := buildStagesFromEnv()
	defer stopWatch()

	crmToken := os.Getenv("ORDERSYNC_CRM_TOKEN")
	crm := ordersync.NewHTTPCRMClient(ordersync.CRMHTTPClientOptions{
		BaseURL: os.Getenv("ORDERSYNC_CRM_BASE_URL"),
		TokenProvider: func(ctx context.Context) (string, error) {
			if crmToken == "" {
				return "", fmt.Errorf("ORDERSYNC_CRM_TOKEN is not set")
			}
			return crmToken, nil
		},
		UserAgent: "ordersync/1.0",
	})
	commerce := ordersync.NewHTTPCommerceClient(ordersync.CommerceHTTPClientOptions{
		BaseURL:     os.Getenv("ORDERSYNC_COMMERCE_BASE_URL"),
		AccessToken: os.Getenv("ORDERSYNC_COMMERCE_TOKEN"),
		UserAgent:   "ordersync/1.0",
	})
	marker := ordersync.NewCommerceNoteMarker(ordersync.CommerceNoteMarkerOptions{
		BaseURL:     os.Getenv("ORDERSYNC_COMMERCE_BASE_URL"),
		AccessToken: os.Getenv("ORDERSYNC_COMMERCE_TOKEN"),
	})

	reconciler := ordersync.NewReconciler(ordersync.ReconcilerOptions{
		CRM:                crm,
		Commerce:           commerce,
		Marker:             marker,
		Store:              store,
		Stages:             stages,
		MaxAttempts:        intEnv("ORDERSYNC_MAX_ATTEMPTS", 0),
		BaseRetryDelay:     durationEnv("ORDERSYNC_RETRY_DELAY", 0),
		MaxRetryDelay:      durationEnv("ORDERSYNC_MAX_RETRY_DELAY", 0),
		CreateGapThreshold: durationEnv("ORDERSYNC_CREATE_GAP_THRESHOLD", 0),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startBackfill(ctx, reconciler, commerce)

	server := httpapi.NewServer(httpapi.ServerConfig{
		WebhookSecret:   os.Getenv("ORDERSYNC_WEBHOOK_SECRET"),
		AdminToken:      os.Getenv("ORDERSYNC_ADMIN_TOKEN"),
		MaxBodyBytes:    int64Env("ORDERSYNC_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv("ORDERSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("ORDERSYNC_RATE_LIMIT_WINDOW", 0),
	}, store, reconciler)

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("ordersync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

// startBackfill launches the periodic safety-net sweep unless disabled with
// ORDERSYNC_BACKFILL_INTERVAL=0.
func startBackfill(ctx context.Context, reconciler *ordersync.Reconciler, lister backfill.Lister) {
	if raw := strings.TrimSpace(os.Getenv("ORDERSYNC_BACKFILL_INTERVAL")); raw == "0" || raw == "off" {
		log.Printf("backfill sweep disabled")
		return
	}
	sweeper, err := backfill.NewSweeper(reconciler, lister, backfill.SweeperOptions{
		Interval: durationEnv("ORDERSYNC_BACKFILL_INTERVAL", 0),
		PageSize: intEnv("ORDERSYNC_BACKFILL_PAGE_SIZE", 0),
		Overlap:  durationEnv("ORDERSYNC_BACKFILL_OVERLAP", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize backfill sweeper: %v", err)
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("backfill sweep stopped: %v", err)
		}
	}()
}

func buildStagesFromEnv() (*ordersync.StageSet, func()) {
	path := strings.TrimSpace(os.Getenv("ORDERSYNC_STAGES_FILE"))
	if path == "" {
		return ordersync.DefaultStageSet(), func() {}
	}
	stages, err := ordersync.LoadStageSet(path)
	if err != nil {
		log.Fatalf("failed to load stage mapping from %s: %v", path, err)
	}
	stopWatch, err := stages.Watch(path)
	if err != nil {
		log.Printf("stage mapping watch unavailable for %s: %v", path, err)
		return stages, func() {}
	}
	return stages, stopWatch
}

func buildStateBackendFromEnv() (ordersync.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateDSN := strings.TrimSpace(os.Getenv("ORDERSYNC_STATE_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("ORDERSYNC_STATE_FILE"))
	switch {
	case stateDSN != "":
		return ordersync.BuildStateBackendFromDSN(stateDSN)
	case stateFile != "":
		return ordersync.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return ordersync.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ORDERSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("ORDERSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".ordersync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("ORDERSYNC_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("ORDERSYNC_POSTGRES_DSN is required when ORDERSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported ORDERSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
