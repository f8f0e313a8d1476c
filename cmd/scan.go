package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/api"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/core"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/metrics"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/progress"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/shutdown"
)

var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Run the reconnaissance phases against a target",
	Long: `Run every configured phase against one target and print a summary.

The target may be a domain, a URL or an IP address. Phases run in a fixed
order; --phases narrows them. External tools that are not installed are
skipped with a single warning.

Examples:
  tarantula scan example.com
  tarantula scan https://example.com --phases http,directories,waf
  tarantula scan example.com --ports 1-1024 --tools nuclei --serve`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	defaults := config.DefaultConfig()
	flags := scanCmd.Flags()

	flags.StringSlice("phases", defaults.Scan.Phases, "phases to run")
	flags.String("wordlist", "", "extra directory wordlist, one path per line")
	flags.String("subdomain-wordlist", "", "extra subdomain wordlist, one label per line")
	flags.String("ports", "", "ports to scan, e.g. 22,80,8000-8100 (default is the common port list)")
	flags.StringSlice("tools", defaults.Tools.Enabled, "external tools to run (nuclei, wpscan, sqlmap, nmap)")
	flags.Duration("timeout", defaults.Scan.Timeout, "maximum scan time")
	flags.Bool("serve", false, "serve the status API while the scan runs")
	flags.String("listen", defaults.API.Addr, "status API listen address")
	flags.Int("top", 20, "number of findings to print")
	flags.Bool("progress", true, "show a progress bar on stderr")

	viper.BindPFlag("scan.phases", flags.Lookup("phases"))
	viper.BindPFlag("probes.directory.wordlist", flags.Lookup("wordlist"))
	viper.BindPFlag("probes.subdomain.wordlist", flags.Lookup("subdomain-wordlist"))
	viper.BindPFlag("probes.ports", flags.Lookup("ports"))
	viper.BindPFlag("tools.enabled", flags.Lookup("tools"))
	viper.BindPFlag("scan.timeout", flags.Lookup("timeout"))
	viper.BindPFlag("api.enabled", flags.Lookup("serve"))
	viper.BindPFlag("api.addr", flags.Lookup("listen"))
}

func runScan(cmd *cobra.Command, args []string) error {
	shutdownHandler := shutdown.NewHandler(log, shutdownGrace)
	ctx, stop := shutdownHandler.Context(context.Background())
	defer stop()

	opts, err := authorise(args[0])
	if err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}

	engine, err := scan.NewEngine(cfg, log, append(opts, scan.WithMetrics(m))...)
	if err != nil {
		return err
	}
	shutdownHandler.RegisterShutdownFunc(engine.Close)
	defer shutdownHandler.Shutdown()

	sess, err := engine.NewSession(args[0])
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	if cfg.API.Enabled {
		var handler core.MetricsHandler
		if m != nil {
			handler = m
		}
		srv := api.NewServer(engine.Store(), handler, cfg.API.RateLimit, log, logger.Version)
		go func() { serveErr <- srv.Run(ctx, cfg.API.Addr) }()
		color.White("Status API: http://%s/api/scans/%s\n", cfg.API.Addr, sess.ID)
	}

	color.Cyan("Scanning %s (%s)\n", sess.Target.Host, sess.ID)

	showProgress, _ := cmd.Flags().GetBool("progress")
	tracker := progress.New(cmd.ErrOrStderr(), engine.Phases(), showProgress)
	watchCtx, stopWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		tracker.Watch(watchCtx, sess, cfg.Scan.ProgressInterval)
	}()

	runErr := engine.Run(ctx, sess)
	stopWatch()
	<-watched

	top, _ := cmd.Flags().GetInt("top")
	printScanSummary(cmd.OutOrStdout(), sess, top)

	if cfg.API.Enabled {
		if ctx.Err() == nil {
			color.White("\nStatus API still serving at http://%s, press Ctrl+C to exit\n", cfg.API.Addr)
		}
		if err := <-serveErr; err != nil {
			log.Warnw("Status API stopped with error", "error", err)
		}
	}

	if errors.Is(runErr, context.Canceled) {
		color.Yellow("\nScan interrupted, partial results shown above\n")
		return nil
	}
	if errors.Is(runErr, context.DeadlineExceeded) {
		return fmt.Errorf("scan timed out after %s", cfg.Scan.Timeout)
	}
	return runErr
}

// newMetrics returns nil when metrics are disabled. Every metrics method
// accepts a nil receiver.
func newMetrics() (*metrics.Metrics, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}
	m, err := metrics.New(cfg.Metrics.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return m, nil
}
