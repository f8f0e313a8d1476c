package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/logger"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/tarantula/internal/validation"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/scan"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// shutdownGrace bounds how long a cancelled scan may take to unwind
// before the process exits anyway.
const shutdownGrace = 15 * time.Second

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	tel     telemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "tarantula",
	Short: "Concurrent reconnaissance and classification engine",
	Long: `Tarantula - concurrent reconnaissance for authorised security testing

Runs bounded-concurrency probes against one target (subdomains, DNS, ports,
web paths, WAF, TLS, WHOIS), classifies every response against a signature
table, looks for the origin address behind a CDN or WAF and hands the
discovered surface to nuclei, wpscan, sqlmap and nmap when they are
installed.

COMMANDS:
  tarantula scan <target>                 - Run every configured phase
  tarantula origin <target>               - Origin-IP discovery only
  tarantula signatures validate [file]    - Check a signature table
  tarantula version                       - Print version information

Only scan targets you are authorised to test.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		tel, err = telemetry.New(context.Background(), cfg.Telemetry, logger.Version)
		if err != nil {
			log.Warnw("Telemetry disabled", "error", err)
			tel = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tel != nil {
			if err := tel.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to flush traces: %v\n", err)
			}
		}
		if log != nil {
			// stdout/stderr cannot be synced on Linux
			if err := log.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is ./.tarantula.yaml or $HOME/.tarantula.yaml)")

	// Logging configuration
	flags.String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", flags.Lookup("log-level"))
	viper.BindPFlag("logger.format", flags.Lookup("log-format"))

	// Redis passive DNS cache
	flags.String("redis-addr", "", "Redis address for the passive DNS cache (empty keeps it in memory)")
	flags.String("redis-password", "", "Redis password")
	viper.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	viper.BindPFlag("redis.password", flags.Lookup("redis-password"))
	viper.BindEnv("redis.addr", "TARANTULA_REDIS_ADDR", "REDIS_URL")

	// Origin intelligence credentials
	viper.BindEnv("origin.shodan.api_key", "TARANTULA_SHODAN_API_KEY", "SHODAN_API_KEY")
	viper.BindEnv("origin.fofa.email", "TARANTULA_FOFA_EMAIL", "FOFA_EMAIL")
	viper.BindEnv("origin.fofa.key", "TARANTULA_FOFA_KEY", "FOFA_KEY")
	viper.BindEnv("tools.wpscan.api_token", "TARANTULA_WPSCAN_API_TOKEN", "WPSCAN_API_TOKEN")

	// Rate limiting
	flags.Float64("rate-limit", defaults.RateLimit.RequestsPerSecond, "HTTP requests per second per host")
	flags.Int("rate-burst", defaults.RateLimit.BurstSize, "HTTP rate limit burst size")
	viper.BindPFlag("rate_limit.requests_per_second", flags.Lookup("rate-limit"))
	viper.BindPFlag("rate_limit.burst_size", flags.Lookup("rate-burst"))

	// Telemetry and metrics
	flags.Bool("telemetry", defaults.Telemetry.Enabled, "export traces over OTLP")
	flags.String("otlp-endpoint", defaults.Telemetry.Endpoint, "OTLP HTTP endpoint")
	viper.BindPFlag("telemetry.enabled", flags.Lookup("telemetry"))
	viper.BindPFlag("telemetry.endpoint", flags.Lookup("otlp-endpoint"))

	flags.String("signatures", "", "signature table file (default is the built-in table)")
	viper.BindPFlag("scan.signatures_file", flags.Lookup("signatures"))

	// Authorisation
	flags.String("scope", "", "scope file listing authorised targets")
	flags.Bool("allow-private", false, "allow scanning private and local addresses")
	viper.BindPFlag("scan.scope_file", flags.Lookup("scope"))
	viper.BindPFlag("scan.allow_private", flags.Lookup("allow-private"))
}

// initConfig layers the config file, TARANTULA_* environment variables and
// flags over the built-in defaults.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tarantula")
	}

	viper.SetEnvPrefix("TARANTULA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}

// authorise checks raw against the private-network rule and the scope file,
// and returns engine options that keep discovered hosts inside scope.
func authorise(raw string) ([]scan.Option, error) {
	target, err := types.ParseTarget(raw)
	if err != nil {
		return nil, err
	}

	var scope *validation.Scope
	if cfg.Scan.ScopeFile != "" {
		scope, err = validation.LoadScopeFile(cfg.Scan.ScopeFile)
		if err != nil {
			return nil, err
		}
	}
	if err := validation.CheckTarget(target, scope, cfg.Scan.AllowPrivate); err != nil {
		return nil, err
	}

	if scope == nil {
		return nil, nil
	}
	return []scan.Option{scan.WithScope(scope.Allows)}, nil
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
