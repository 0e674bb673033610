// Command bayd is the Bay control-plane daemon: it loads configuration,
// wires the storage/runtime/business-logic layers together, and serves the
// v1 HTTP API until it receives a termination signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/bay/pkg/api"
	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/capability"
	"github.com/cuemby/bay/pkg/config"
	"github.com/cuemby/bay/pkg/gc"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/locks"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/runtime"
	"github.com/cuemby/bay/pkg/runtime/clusterdriver"
	"github.com/cuemby/bay/pkg/runtime/localdriver"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/session"
	"github.com/cuemby/bay/pkg/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bayd",
	Short: "bayd runs the Bay sandbox control plane",
	Long: `bayd is the Shipyard Neo control-plane daemon: it lazily provisions
per-tenant sandboxes on a container runtime, mounts durable cargo volumes,
and exposes code/shell/browser/filesystem capabilities over a single HTTP
API, with idle reclamation handled by a background GC scheduler.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bayd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.Flags().String("config", "./bay.yaml", "Path to the bayd configuration file")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := log.WithComponent("bayd")
	logger.Info().Str("driver", cfg.Driver.Type).Str("config", configPath).Msg("starting bayd")

	store, err := storage.NewBoltStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	driver, err := buildDriver(cfg.Driver)
	if err != nil {
		return fmt.Errorf("failed to build runtime driver: %w", err)
	}

	profiles, err := profile.NewRegistry(cfg.Profiles)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	lockTable := locks.NewTable()
	cargoMgr := cargo.New(store, driver)
	sessMgr := session.New(store, driver, cfg.Driver.InstanceID)
	sandboxMgr := sandbox.New(store, cargoMgr, sessMgr, profiles, lockTable, cfg.Cargo.MountPath)
	router := capability.NewRouter(sandboxMgr, store)
	idemSvc := idempotency.New(store, cfg.Idempotency.IdempotencyTTL())

	gcSched := gc.New(gc.Config{
		Enabled:      cfg.GC.Enabled,
		RunOnStartup: cfg.GC.RunOnStartup,
		Interval:     cfg.GC.GCInterval(),
		InstanceID:   cfg.GC.InstanceID,
		Tasks: gc.TaskConfig{
			IdleSession:       cfg.GC.Tasks.IdleSession.Enabled,
			ExpiredSandbox:    cfg.GC.Tasks.ExpiredSandbox.Enabled,
			OrphanCargo:       cfg.GC.Tasks.OrphanCargo.Enabled,
			OrphanContainer:   cfg.GC.Tasks.OrphanContainer.Enabled,
			IdempotencyRecord: cfg.GC.Tasks.IdempotencyRecord.Enabled,
		},
	}, store, sandboxMgr, sessMgr, cargoMgr, idemSvc, driver, lockTable)

	auth := api.AuthConfig{APIKey: cfg.Security.APIKey, AllowAnonymous: cfg.Security.AllowAnonymous}
	server := api.NewServer(sandboxMgr, cargoMgr, store, router, idemSvc, gcSched, profiles, auth)

	gcSched.Start()
	defer gcSched.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			errCh <- err
		}
	}()

	logger.Info().Str("addr", addr).Msg("API server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during API server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func buildDriver(cfg config.DriverConfig) (runtime.Driver, error) {
	switch cfg.Type {
	case "cluster":
		clientset, err := buildKubeClient(cfg.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return clusterdriver.New(clusterdriver.Config{
			Clientset:    clientset,
			Namespace:    cfg.Namespace,
			StorageClass: cfg.StorageClass,
		}), nil
	default:
		return localdriver.New(localdriver.Config{
			SocketPath: cfg.SocketPath,
			Namespace:  cfg.Namespace,
			VolumeRoot: cfg.VolumeRoot,
		})
	}
}
