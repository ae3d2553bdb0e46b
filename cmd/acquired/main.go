// Command acquired runs the autonomous capability-acquisition controller: a
// monitoring loop that measures the variety gap between what the hosting
// system can do and what its environment demands and, when the gap exceeds
// the threshold, discovers, installs, spawns, and registers tool-server
// subprocesses to close it. A small HTTP surface exposes the registry, the
// server list, capability invocation, gap injection, and status.
//
// # Configuration
//
// Environment variables:
//
//	HTTP_ADDR                   - HTTP listen address (default: ":8080")
//	ACQUIRE_INTERVAL_MS         - monitoring tick interval (default: 30000)
//	VARIETY_THRESHOLD           - ratio below which acquisition triggers (default: 0.85)
//	ACQUIRE_TIMEOUT_MS          - per-acquisition pipeline timeout (default: 120000)
//	HTTP_TIMEOUT_MS             - catalog query timeout (default: 10000)
//	INSTALL_ROOT                - install directory root (default: process temp dir)
//	DISCOVERY_CACHE_TTL_MS      - discovery cache TTL (default: 300000)
//	MAX_CONCURRENT_ACQUISITIONS - concurrent pipeline bound (default: 3)
//	MAX_RESTARTS                - restarts allowed per rolling window (default: 5)
//	RESTART_WINDOW_MS           - restart rolling window (default: 60000)
//	ACQUIRE_CONFIG_FILE         - optional YAML overlay: variety weights and
//	                              rule thresholds, critical-area projection,
//	                              discovery aliases and catalogs
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/viable-systems/capacquire/internal/acquisition"
	"github.com/viable-systems/capacquire/internal/capability"
	"github.com/viable-systems/capacquire/internal/daemon"
	"github.com/viable-systems/capacquire/internal/discovery"
	"github.com/viable-systems/capacquire/internal/events"
	"github.com/viable-systems/capacquire/internal/httpapi"
	"github.com/viable-systems/capacquire/internal/installer"
	"github.com/viable-systems/capacquire/internal/retry"
	"github.com/viable-systems/capacquire/internal/servermanager"
	"github.com/viable-systems/capacquire/internal/telemetry"
	"github.com/viable-systems/capacquire/internal/toolserver"
	"github.com/viable-systems/capacquire/internal/variety"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	addr := envOr("HTTP_ADDR", ":8080")
	tickInterval := envMSOr("ACQUIRE_INTERVAL_MS", 30*time.Second)
	threshold := envFloatOr("VARIETY_THRESHOLD", 0.85)
	acquireTimeout := envMSOr("ACQUIRE_TIMEOUT_MS", 120*time.Second)
	httpTimeout := envMSOr("HTTP_TIMEOUT_MS", 10*time.Second)
	installRoot := os.Getenv("INSTALL_ROOT")
	cacheTTL := envMSOr("DISCOVERY_CACHE_TTL_MS", 5*time.Minute)
	maxConcurrent := envIntOr("MAX_CONCURRENT_ACQUISITIONS", 3)
	maxRestarts := envIntOr("MAX_RESTARTS", 5)
	restartWindow := envMSOr("RESTART_WINDOW_MS", time.Minute)

	fileCfg, err := loadFileConfig(os.Getenv("ACQUIRE_CONFIG_FILE"))
	if err != nil {
		return err
	}

	shutdownOtel, err := telemetry.InitProvider(telemetry.ProviderConfig{ServiceName: "acquired"})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			log.Errorf(shutdownCtx, err, "shutdown telemetry")
		}
	}()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOtelMetrics()

	bus := events.NewBus(64)
	defer bus.Close()

	manager := servermanager.New(logger, bus)
	registry := capability.New(manager, bus)
	defer registry.Close()

	catalogs := make([]discovery.Catalog, 0, len(fileCfg.Discovery.Catalogs))
	for _, c := range fileCfg.Discovery.Catalogs {
		catalogs = append(catalogs, discovery.NewHTTPCatalog(c.Name, c.URL, httpTimeout))
	}
	disc := discovery.New(discovery.Config{
		Catalogs:   catalogs,
		CacheTTL:   cacheTTL,
		Marker:     fileCfg.Discovery.Marker,
		AliasTable: fileCfg.Discovery.Aliases,
	}, logger)

	inst := installer.New(installer.Config{Root: installRoot})

	pipeline := acquisition.New(disc, inst, manager, registry, bus, logger)
	pipeline.ServerDefaults = toolserver.Config{
		MaxRestarts:   maxRestarts,
		RestartWindow: restartWindow,
		RestartPolicy: retry.DefaultRestartPolicy(),
	}

	varietyCfg := fileCfg.varietyConfig()
	if varietyCfg.Threshold == 0 {
		varietyCfg.Threshold = threshold
	}
	calc := variety.New(varietyCfg, variety.Collaborators{
		// The operations count is the number of live capability bindings and
		// the coordination count the number of running servers, so acquiring
		// a capability feeds back into the next tick's system variety.
		Operations:   counterFunc(func(context.Context) (int, error) { return len(registry.List()), nil }),
		Coordination: counterFunc(func(context.Context) (int, error) { return len(manager.List()), nil }),
	}, logger)

	env := variety.NewStaticEnvironment(variety.EnvironmentSnapshot{})

	d := daemon.New(ctx, daemon.Config{
		TickInterval:              tickInterval,
		MaxConcurrentAcquisitions: maxConcurrent,
		AcquireTimeout:            acquireTimeout,
		Variety:                   varietyCfg,
	}, calc, env, pipeline, manager, bus, logger, metrics)
	d.Start()

	api := httpapi.New(registry, manager, pipeline, d, logger)
	router := chi.NewRouter()
	router.Mount("/", api.Router())
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf(ctx, "acquired listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf(ctx, "received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	d.Shutdown(shutdownCtx)
	return nil
}

// counterFunc adapts a function to the variety.SubsystemCounter interface.
type counterFunc func(ctx context.Context) (int, error)

func (f counterFunc) Count(ctx context.Context) (int, error) { return f(ctx) }
