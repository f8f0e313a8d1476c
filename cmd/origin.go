package cmd

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/shutdown"
)

var originCmd = &cobra.Command{
	Use:   "origin <target>",
	Short: "Find the origin address behind a CDN or WAF",
	Long: `Collect origin-IP candidates from DNS history, certificate and header
leaks and mail records, drop addresses inside known edge ranges, then
request the site directly from each candidate and compare it with the
public response.

Candidates whose direct response matches are reported as verified.

Examples:
  tarantula origin example.com
  tarantula origin example.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: runOrigin,
}

func init() {
	rootCmd.AddCommand(originCmd)

	originCmd.Flags().Bool("json", false, "print the result as JSON")
	originCmd.Flags().StringSlice("sources", nil, "origin sources to use (history, correlation, certificate, headers, mail)")
}

func runOrigin(cmd *cobra.Command, args []string) error {
	shutdownHandler := shutdown.NewHandler(log, shutdownGrace)
	ctx, stop := shutdownHandler.Context(context.Background())
	defer stop()

	originCfg := *cfg
	originCfg.Scan.Phases = []string{"origin"}
	if sources, _ := cmd.Flags().GetStringSlice("sources"); len(sources) > 0 {
		originCfg.Origin.Sources = sources
	}

	opts, err := authorise(args[0])
	if err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}
	engine, err := scan.NewEngine(&originCfg, log, append(opts, scan.WithMetrics(m))...)
	if err != nil {
		return err
	}
	shutdownHandler.RegisterShutdownFunc(engine.Close)
	defer shutdownHandler.Shutdown()

	sess, err := engine.NewSession(args[0])
	if err != nil {
		return err
	}
	if sess.Target.IsIP {
		return errors.New("origin discovery needs a domain, not an IP address")
	}

	runErr := engine.Run(ctx, sess)
	res := sess.Aggregate.Origin()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res != nil {
		color.Cyan("Origin discovery for %s\n", res.Target)
		printOrigin(cmd.OutOrStdout(), res)
	}

	if errors.Is(runErr, context.Canceled) {
		color.Yellow("\nInterrupted\n")
		return nil
	}
	return runErr
}
