// Command chron is the chron daemon entrypoint (spec §4.2, §4.3, §4.4):
// it loads configuration, builds one partition per queue server, and
// runs reclaim cycles against the aggregator's pool lock until a
// termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/chron"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/config"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/logging"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/redisha"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/stats"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:  "jobrunner-chron",
		Usage: "reclaims stale claims, abandons exhausted jobs, and republishes ready state",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config-file",
				Aliases:  []string{"c"},
				Usage:    "path to the YAML configuration file",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug-level logging",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve /metrics on (empty disables)",
				Value: ":9103",
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	logger := logging.NewSlog(cmd.Bool("verbose"))

	cfg, err := config.Load(cmd.String("config-file"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("startup: %v", err), 1)
	}

	reg := prometheus.NewRegistry()
	st := stats.New()
	promEmitter := stats.NewPrometheusEmitter(reg, "jobrunner_chron")
	stopMetrics := serveMetrics(cmd.String("metrics-addr"), reg, logger)
	defer stopMetrics()
	stopEmit := periodicallyEmit(st, promEmitter, time.Second)
	defer stopEmit()

	queueClient := redisha.New(cfg.QueueSrvs, logger)
	defer queueClient.Close()
	aggrClient := redisha.New(cfg.AggrSrvs, logger)
	defer aggrClient.Close()

	partitions := make([]chron.Partition, 0, len(cfg.QueueSrvs))
	for _, srv := range cfg.QueueSrvs {
		partitions = append(partitions, chron.Partition{
			Name: srv,
			Pool: queueClient.EndpointPool(srv),
		})
	}

	daemon := chron.New(
		partitions,
		aggrClient,
		aggrClient.HAPool(),
		chron.Config{
			ClaimTTL:      cfg.ClaimTTL,
			AttemptsLimit: cfg.AttemptsLimit,
			PruneAfter:    cfg.PruneAfter(),
			ItemLimit:     cfg.ItemLimit,
		},
		logger,
		st,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		defer close(done)
		daemon.Run()
	}()

	logger.Info("chron.starting", "partitions", len(partitions))
	select {
	case sig := <-sigCh:
		logger.Info("chron.signal", "signal", sig.String())
		daemon.Stop()
	case <-ctx.Done():
		daemon.Stop()
	}
	<-done
	logger.Info("chron.stopped")

	logEmitter := stats.LogEmitter{Logger: logger}
	logEmitter.Emit(st.Snapshot())
	return nil
}

// periodicallyEmit flushes st to emit every interval until the returned
// function is called, since the chron daemon itself only reports its
// counters through logging at shutdown.
func periodicallyEmit(st *stats.Counters, emit stats.Emitter, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				emit.Emit(st.Snapshot())
			}
		}
	}()
	return func() { close(stop) }
}

// serveMetrics starts a background HTTP server exposing reg on /metrics,
// returning a function that shuts it down. An empty addr disables it.
func serveMetrics(addr string, reg *prometheus.Registry, logger logging.StructuredLogger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("chron.metrics.serve_failed", logging.ErrAttr(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func run() int {
	app := createApp()
	if err := app.Run(context.Background(), os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, ec.Error())
			return ec.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return 0
}
