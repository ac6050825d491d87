// Command relayd-core is a thin process-lifecycle wrapper around the
// bookkeeping core: it loads the ambient config, serves the health
// socket, and reacts to shutdown signals. It does not speak the
// control/data/viewer wire protocols; those remain external collaborators.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"

	"github.com/MaXinjian/lttng-relayd-core/internal/config"
	"github.com/MaXinjian/lttng-relayd-core/internal/health"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	var configPath string

	root := &cobra.Command{
		Use:   "relayd-core",
		Short: "lttng-relayd-style trace bookkeeping core",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the health socket and wait for shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe wires shutdown through ctx.Done(), standing in for the
// wake-up pipe a poll()-based daemon would add to every poll set:
// signal.NotifyContext gives every blocking loop in this core (health.ServeUnix's accept loop,
// rotation.Watcher.Run's select) the same "one cancellation, every
// blocking loop reacts" shape a shared pipe fd would, without needing a
// raw fd threaded through each poll set — each of those loops already
// watches ctx.Done() itself. runServe starts only the health socket.
func runServe(configPath string) error {
	log := zap.L().Named("cmd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.New(sf.Format("config load failed: {0}", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
	}()

	mon := health.NewMonitor()
	healthComponent, err := mon.Register("health-socket")
	if err != nil {
		return err
	}
	mon.MarkUnhealthy(healthComponent)

	healthPath := cfg.HealthPath()
	log.Info("starting health socket", zap.String("path", healthPath))

	errc := make(chan error, 1)
	go func() {
		errc <- health.ServeUnix(ctx, healthPath, mon)
	}()
	mon.MarkHealthy(healthComponent)

	select {
	case err := <-errc:
		if err != nil {
			log.Error("health socket exited with error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		<-errc
	}

	log.Info("relayd-core stopped")
	return nil
}
