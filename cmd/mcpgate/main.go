// Command mcpgate launches the token-authenticated gateway in front of a
// wrapped MCP backend, restoring and persisting its state directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/mcpgate/mcpgate/internal/auth"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/objstore"
	"github.com/mcpgate/mcpgate/internal/route"
	httpserver "github.com/mcpgate/mcpgate/internal/server"
	"github.com/mcpgate/mcpgate/internal/snapshot"
	"github.com/mcpgate/mcpgate/internal/supervisor"
	"github.com/mcpgate/mcpgate/lib/telemetry"
)

const (
	defaultConfigPath = "config/mcpgate.yaml"
	gateLoggerPrefix  = "mcpgate "

	shutdownTimeout          = 30 * time.Second
	routerShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	finalSnapshotTimeout     = 60 * time.Second
	routerReadHeaderTimeout  = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()

	logger := newGateLogger()
	if err := godotenv.Load(); err == nil {
		logger.Print("environment loaded from .env")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Print("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, endpoint=%s", appCfg.Environment, appCfg.Router.EndpointPath)

	_, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if appCfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", appCfg.Telemetry.OTLPEndpoint, appCfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}

	store, err := auth.NewStore(appCfg.Auth.Token, appCfg.Auth.TokenMap)
	if err != nil {
		logger.Fatalf("load credentials: %v", err)
	}
	logger.Printf("credentials loaded: mode=%s, count=%d", store.Mode(), store.CredentialCount())

	resolver := route.NewResolver(appCfg.Router.RouteGeneration, appCfg.Router.UpstreamPattern)

	manager, err := buildLifecycleManager(ctx, appCfg, resolver, logger)
	if err != nil {
		logger.Fatalf("initialise snapshot lifecycle: %v", err)
	}

	// Restore completes before the backend launches so the child never sees a
	// half-materialised state directory.
	if err := manager.Restore(ctx); err != nil {
		logger.Fatalf("restore state: %v", err)
	}

	handler := httpserver.NewHandler(appCfg.Router, appCfg.Auth, store, resolver, manager, logger)
	routerServer := &http.Server{
		Addr:              appCfg.Router.Addr,
		Handler:           handler,
		ReadHeaderTimeout: routerReadHeaderTimeout,
	}

	snapCtx, snapCancel := context.WithCancel(ctx)
	defer snapCancel()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := routerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("router server: %v", err)
		}
	})
	lifecycle.Go(func() { manager.Run(snapCtx) })
	logger.Printf("router listening on %s", appCfg.Router.Addr)

	exitCode := 0
	finalSnapshot := func(context.Context) error {
		finalCtx, finalCancel := context.WithTimeout(context.Background(), finalSnapshotTimeout)
		defer finalCancel()
		return manager.Snapshot(finalCtx, "shutdown")
	}

	if len(appCfg.Backend.Command) > 0 {
		sup := supervisor.New(appCfg.Backend.Command, logger)
		code, err := sup.Run(ctx, sigCh, supervisor.Hooks{
			StopTimer:     snapCancel,
			FinalSnapshot: finalSnapshot,
		})
		if err != nil {
			logger.Fatalf("run backend: %v", err)
		}
		exitCode = code
	} else {
		logger.Print("no backend command configured; running as a pure router")
		<-sigCh
		logger.Print("shutdown signal received")
		snapCancel()
		if err := finalSnapshot(ctx); err != nil {
			logger.Printf("final snapshot: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            routerServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		telemetryShutdown: telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to gateway configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newGateLogger() *log.Logger {
	return log.New(os.Stdout, gateLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// buildLifecycleManager wires the object store and snapshot options for the
// locally supervised instance. An incomplete store identity leaves the store
// nil; the manager then applies the strict/degrade policy at restore time.
func buildLifecycleManager(ctx context.Context, appCfg config.AppConfig, resolver *route.Resolver, logger *log.Logger) (*snapshot.Manager, error) {
	snapCfg := appCfg.Snapshot

	if snapCfg.Enabled && appCfg.Backend.StateDir == "" {
		return nil, fmt.Errorf("snapshots enabled but backend stateDir is empty")
	}

	var store objstore.Store
	complete, missing := snapCfg.StorageComplete()
	if snapCfg.Enabled {
		if complete {
			s3store, err := objstore.NewS3Store(ctx, objstore.S3Config{
				Endpoint:  snapCfg.Endpoint,
				Region:    snapCfg.Region,
				Bucket:    snapCfg.Bucket,
				AccessKey: snapCfg.AccessKey,
				SecretKey: snapCfg.SecretKey,
			})
			if err != nil {
				return nil, fmt.Errorf("build object store client: %w", err)
			}
			store = s3store
		} else {
			logger.Printf("object store identity incomplete (missing %s)", strings.Join(missing, ", "))
		}
	}

	// The supervised child is one instance regardless of routing mode, so its
	// snapshot namespace partitions on the singleton instance name.
	instance := resolver.Instance(auth.SingletonKey)
	prefix := snapshot.PartitionPrefix(snapCfg.Prefix, snapCfg.Partition, instance)

	opts := snapshot.Options{
		Enabled:   snapCfg.Enabled,
		Strict:    snapCfg.Strict,
		Interval:  snapCfg.Interval,
		Retention: snapCfg.Retention,
		Prefix:    prefix,
		StateDir:  appCfg.Backend.StateDir,
		BaseName:  appCfg.Backend.Name,
		LockKey:   snapCfg.Bucket + "/" + prefix,
	}
	return snapshot.NewManager(store, opts, logger, snapshot.NewLockRegistry()), nil
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping router server", routerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetryShutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
