// Command runner is the runner daemon entrypoint (spec §4.7, §4.8): it
// loads configuration, builds one slot pool per configured loop, and
// drives the dispatch loop until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/weirdgloop/mediawiki-jobrunner/internal/config"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/logging"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/readycache"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/redisha"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/runner"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/secret"
	vaultsecret "github.com/weirdgloop/mediawiki-jobrunner/internal/secret/vault"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/selector"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/slotpool"
	"github.com/weirdgloop/mediawiki-jobrunner/internal/stats"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:  "jobrunner-runner",
		Usage: "dispatches ready jobs to the wiki HTTP endpoint",
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
				Name:  "vault-addr",
				Usage: "Vault server address (required unless --secret is set)",
				Value: os.Getenv("VAULT_ADDR"),
			},
			&cli.StringFlag{
				Name:  "vault-role-id",
				Usage: "Vault AppRole role ID",
				Value: os.Getenv("VAULT_ROLE_ID"),
			},
			&cli.StringFlag{
				Name:  "vault-secret-id",
				Usage: "Vault AppRole secret ID",
				Value: os.Getenv("VAULT_SECRET_ID"),
			},
			&cli.StringFlag{
				Name:  "secret",
				Usage: "HMAC signing secret, bypassing Vault (for local/dev use)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "address to serve /metrics on (empty disables)",
				Value: ":9102",
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

	hmacSecret, closeSecret, err := resolveSecret(ctx, cmd, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("startup: %v", err), 1)
	}
	defer closeSecret()

	reg := prometheus.NewRegistry()
	st := stats.New()
	emit := stats.NewPrometheusEmitter(reg, "jobrunner_runner")
	stopMetrics := serveMetrics(cmd.String("metrics-addr"), reg, logger)
	defer stopMetrics()

	// The runner daemon only ever talks to the aggregator (ready-map
	// reads); queue-server partitions are the chron daemon's concern.
	aggrClient := redisha.New(cfg.AggrSrvs, logger)
	defer aggrClient.Close()

	dispatcher := slotpool.NewHTTPDispatcher(cfg.URL, hmacSecret, 2*time.Second)
	tenants := config.WikiTenants(cfg.Wikis)
	// HAPool fans the ready-map read across every configured aggregator
	// endpoint, failing over rather than pinning to the first one (spec
	// §4.1).
	cache := readycache.New(readycache.RedisFetcher(aggrClient.HAPool()), 1*time.Second)

	loops := make([]selector.LoopDescriptor, 0, len(cfg.LoopMap))
	for id, lc := range cfg.LoopMap {
		loops = append(loops, selector.LoopDescriptor{
			ID:            id,
			Runners:       lc.Runners,
			Include:       selector.NewSet(lc.Include...),
			Exclude:       selector.NewSet(lc.Exclude...),
			LowPriority:   selector.NewSet(lc.LowPriority...),
			HPMaxDelaySec: cfg.HPMaxDelay,
			LPMaxDelaySec: cfg.LPMaxDelay,
			HPMaxTimeSec:  cfg.HPMaxTime,
			LPMaxTimeSec:  cfg.LPMaxTime,
		})
	}

	var runtimeLoops []*runner.Loop
	for _, ld := range loops {
		pool := slotpool.New(ld.ID, ld.Runners, dispatcher, tenants, logger, st)
		runtimeLoops = append(runtimeLoops, runner.NewLoop(ld, pool))
	}

	daemon := runner.New(runtimeLoops, cache, logger, st, emit)

	logger.Info("runner.starting", "loops", len(runtimeLoops), "queue_srvs", len(cfg.QueueSrvs))
	daemon.Run()
	logger.Info("runner.stopped")
	return nil
}

// resolveSecret fetches the HMAC signing secret either from the
// --secret override or, if unset, from Vault via config.Project as the
// secret path. It returns a no-op closer in the override case.
func resolveSecret(ctx context.Context, cmd *cli.Command, cfg *config.Config) ([]byte, func(), error) {
	if s := cmd.String("secret"); s != "" {
		return []byte(s), func() {}, nil
	}

	addr := cmd.String("vault-addr")
	if addr == "" {
		return nil, nil, fmt.Errorf("neither --secret nor --vault-addr was supplied")
	}

	provider, err := vaultsecret.New(vaultsecret.Config{
		Address:  addr,
		RoleID:   cmd.String("vault-role-id"),
		SecretID: cmd.String("vault-secret-id"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vault: %w", err)
	}

	var p secret.Provider = provider
	val, err := p.Get(ctx, cfg.Project)
	if err != nil {
		_ = p.Close()
		return nil, nil, fmt.Errorf("vault: fetch secret %q: %w", cfg.Project, err)
	}
	return []byte(val), func() { _ = p.Close() }, nil
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
			logger.Warn("runner.metrics.serve_failed", logging.ErrAttr(err))
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
