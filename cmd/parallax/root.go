// Package parallax is the CLI entry point: it loads configuration, wires the
// core components together and runs the service until a shutdown signal.
package parallax

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thulrus/ParallaxIndex/internal/aggregate"
	"github.com/Thulrus/ParallaxIndex/internal/pipeline"
	"github.com/Thulrus/ParallaxIndex/internal/plugin"
	"github.com/Thulrus/ParallaxIndex/internal/registers"
	"github.com/Thulrus/ParallaxIndex/internal/scheduler"
	"github.com/Thulrus/ParallaxIndex/internal/server"
	"github.com/Thulrus/ParallaxIndex/internal/store"
	"github.com/Thulrus/ParallaxIndex/pkg/config"
	"github.com/Thulrus/ParallaxIndex/pkg/logger"
	"github.com/Thulrus/ParallaxIndex/pkg/util"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "parallax",
	Short: "Global sentiment tracker: pluggable collectors, weighted aggregation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfigWithCli(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := runServer(cmd.Context(), cfg); err != nil {
			fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
			os.Exit(1)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	initServerFlags(rootCmd)
	initStoreFlags(rootCmd)
	initSchedulerFlags(rootCmd)
	initLogFlags(rootCmd)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	util.PrintBanner("Parallax Index")

	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	registry := plugin.NewRegistry()
	if _, err := registers.RegisterPlugins(registry, http.DefaultClient); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}

	promReg := registers.NewPromRegistry(true)

	pipe := pipeline.New(registry, st,
		pipeline.WithCollectTimeout(cfg.Scheduler.CollectTimeout),
		pipeline.WithHistoryLimit(cfg.Scheduler.HistoryLimit),
	)
	sched := scheduler.New(st, pipe,
		scheduler.WithTick(cfg.Scheduler.Tick),
		scheduler.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		scheduler.WithGracePeriod(cfg.Scheduler.GracePeriod),
		scheduler.WithMetrics(scheduler.NewMetrics(promReg)),
	)
	engine := aggregate.NewEngine(st)

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	sched.Start(schedCtx)

	httpServer := server.NewHTTPServer(cfg.Server, registry, st, sched, engine, promReg)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	server.WaitForShutdown(cfg.Scheduler.GracePeriod+10*time.Second, func(shutdownCtx context.Context) error {
		return stopComponents(shutdownCtx, httpServer, sched, cancelSched)
	})
	return nil
}

// stopper drains in-flight work under a bounded deadline. Satisfied by both
// *server.HTTPServer and *scheduler.Scheduler.
type stopper interface {
	Shutdown(ctx context.Context) error
}

// stopComponents tears the service down in order: stop accepting API writes,
// give in-flight collection runs the grace period to finish and persist, and
// only then cancel their context so stragglers are abandoned. Cancelling
// first would abort runs the grace period was meant to protect.
func stopComponents(shutdownCtx context.Context, httpServer, sched stopper, cancelSched context.CancelFunc) error {
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		cancelSched()
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	cancelSched()
	return nil
}
