// Package main implements the discovery instance daemon. One process runs
// one cluster instance, or several virtual instances sharing a database
// for local experiments.
//
// Every instance heartbeats into the shared store, takes part in votings
// and keeps the established view of the cluster up to date. The daemon
// exposes the local view of that state over HTTP.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Instance                  │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health         - Health check       │
//	│    /view           - Established view   │
//	│    /votings        - Open votings       │
//	│    /instances      - Heartbeats         │
//	│    /votings/start  - Force a voting     │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    discovery.Service - Periodic task    │
//	│    storage.BoltStore - Shared records   │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - --config: YAML file, see config.Config
//   - DISCOVERY_* environment variables override the file
//   - --id, --listen, --db, --virtual override both
//   - -v, --trace: verbose logging regardless of logLevel
//
// Example usage:
//
//	# Three virtual instances on one database
//	instance run --db data/discovery.db --virtual 3
//
//	# Inspect the cluster
//	curl localhost:8080/view
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/untillpro/goutils/cobrau"
	"github.com/untillpro/goutils/logger"

	"github.com/dreamware/topovote/internal/config"
	"github.com/dreamware/topovote/internal/discovery"
	"github.com/dreamware/topovote/internal/storage"
)

//go:embed version
var version string

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// storeLockTimeout bounds the wait for the database file lock held by
// another process
const storeLockTimeout = 10 * time.Second

type runFlags struct {
	configPath string
	id         string
	listen     string
	dbPath     string
	virtual    int
}

func main() {
	if err := execRootCmd(os.Args, version); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func execRootCmd(args []string, ver string) error {
	return cobrau.ExecCommandAndCatchInterrupt(newRootCmd(args, ver))
}

func newRootCmd(args []string, ver string) *cobra.Command {
	version = ver
	return cobrau.PrepareRootCmd(
		"instance",
		"Cluster discovery instance",
		args,
		version,
		newVersionCmd(),
		newRunCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version of the instance daemon",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "instance version", strings.TrimSpace(version))
		},
	}
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs discovery and serves the status API until SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, flags.virtual)
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&flags.id, "id", "", "Instance id, generated when empty")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Listen address of the status API")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "Path to the shared database file")
	cmd.Flags().IntVar(&flags.virtual, "virtual", 1, "Number of virtual instances sharing the database")
	return cmd
}

// loadConfig layers defaults, the config file, DISCOVERY_* environment
// variables and command line flags, in that order, and applies the log
// level.
//
// Returns:
//   - Validated configuration
//   - Error wrapping config.ErrInvalidConfig for bad values
func loadConfig(flags runFlags) (config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if flags.id != "" {
		cfg.InstanceID = flags.id
	}
	if flags.listen != "" {
		cfg.Listen = flags.listen
	}
	if flags.dbPath != "" {
		cfg.DBPath = flags.dbPath
	}
	if flags.virtual < 1 {
		return cfg, fmt.Errorf("%w: --virtual must be at least 1", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return cfg, err
	}
	// -v and --trace win over the configured level
	if !logger.IsVerbose() {
		logger.SetLogLevel(level)
	}
	return cfg, nil
}

// newServices creates n discovery services on store. With n > 1 the
// instances are virtual: they get the configured id (or a generated one)
// with a "-<i>" suffix.
func newServices(cfg config.Config, store storage.Store, n int) ([]*discovery.Service, error) {
	if n <= 1 {
		svc, err := discovery.New(cfg, store, nil)
		if err != nil {
			return nil, err
		}
		return []*discovery.Service{svc}, nil
	}
	base := cfg.InstanceID
	if base == "" {
		base = "instance"
	}
	services := make([]*discovery.Service, 0, n)
	for i := 1; i <= n; i++ {
		vcfg := cfg
		vcfg.InstanceID = fmt.Sprintf("%s-%d", base, i)
		svc, err := discovery.New(vcfg, store, nil)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

// run opens the shared store, starts discovery for every instance and
// serves the status API until ctx is canceled (SIGINT) or SIGTERM.
//
// Shutdown order:
//  1. Stop accepting HTTP requests
//  2. Stop every discovery loop
//  3. Close the store
func run(ctx context.Context, cfg config.Config, virtual int) error {
	store, err := storage.OpenBoltStore(cfg.DBPath, storeLockTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	services, err := newServices(cfg, store, virtual)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup
	for _, svc := range services {
		svc := svc
		svc.AddListener(func(e discovery.Event) {
			if e.Type == discovery.TopologyChanged {
				logger.Info(fmt.Sprintf("[%s] view %s established with leader %s", svc.InstanceID(), e.View.ViewID, e.View.LeaderID))
			}
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Start(ctx)
		}()
	}

	s := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(cfg, store, services),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info(fmt.Sprintf("instance listening on %s (public %s), %d instance(s)", cfg.Listen, cfg.PublicAddr, len(services)))
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("server shutdown error: %v", err))
	}
	for _, svc := range services {
		svc.Stop()
	}
	wg.Wait()
	logger.Info("instance stopped")
	return nil
}
