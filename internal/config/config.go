package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Probes    ProbesConfig    `mapstructure:"probes"`
	CertLogs  CertLogsConfig  `mapstructure:"cert_logs"`
	Origin    OriginConfig    `mapstructure:"origin"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	API       APIConfig       `mapstructure:"api"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// RedisConfig configures the optional passive DNS cache. An empty Addr keeps
// the cache in memory.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
}

type ScanConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	Phases           []string      `mapstructure:"phases"`
	SignaturesFile   string        `mapstructure:"signatures_file"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	UserAgent        string        `mapstructure:"user_agent"`
	ScopeFile        string        `mapstructure:"scope_file"`
	AllowPrivate     bool          `mapstructure:"allow_private"`
}

// ProbeConfig bounds one probe family.
type ProbeConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Wordlist    string        `mapstructure:"wordlist"`
}

type ProbesConfig struct {
	Subdomain  ProbeConfig `mapstructure:"subdomain"`
	DNSBrute   ProbeConfig `mapstructure:"dns_brute"`
	Port       ProbeConfig `mapstructure:"port"`
	Directory  ProbeConfig `mapstructure:"directory"`
	WAF        ProbeConfig `mapstructure:"waf"`
	Resolvers  []string    `mapstructure:"resolvers"`
	Ports      string      `mapstructure:"ports"`
	MaxBodyKiB int         `mapstructure:"max_body_kib"`
}

// CertLogsConfig configures the certificate transparency search of the
// subdomains phase. An empty endpoint skips that log.
type CertLogsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	CrtSh       string        `mapstructure:"crtsh"`
	CertSpotter string        `mapstructure:"certspotter"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// OriginConfig selects and tunes the origin sources. The shodan and fofa
// sources only run when their credentials are set.
type OriginConfig struct {
	Sources         []string      `mapstructure:"sources"`
	VerifyTimeout   time.Duration `mapstructure:"verify_timeout"`
	LengthTolerance int           `mapstructure:"length_tolerance"`
	HistoryEndpoint string        `mapstructure:"history_endpoint"`
	WhoisEnrichment bool          `mapstructure:"whois_enrichment"`
	EdgeRanges      []string      `mapstructure:"edge_ranges"`
	Shodan          ShodanConfig  `mapstructure:"shodan"`
	FOFA            FOFAConfig    `mapstructure:"fofa"`
}

type ShodanConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

type FOFAConfig struct {
	Email    string `mapstructure:"email"`
	Key      string `mapstructure:"key"`
	Endpoint string `mapstructure:"endpoint"`
}

type ToolsConfig struct {
	Enabled []string     `mapstructure:"enabled"`
	Nuclei  NucleiConfig `mapstructure:"nuclei"`
	WPScan  WPScanConfig `mapstructure:"wpscan"`
	SQLMap  SQLMapConfig `mapstructure:"sqlmap"`
	Nmap    NmapConfig   `mapstructure:"nmap"`
}

type NucleiConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Templates  []string      `mapstructure:"templates"`
	Severity   string        `mapstructure:"severity"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxTargets int           `mapstructure:"max_targets"`
	Retries    int           `mapstructure:"retries"`
}

// WPScanConfig bounds the whole sweep with Timeout and each scanned URL
// with URLTimeout.
type WPScanConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	APIToken   string        `mapstructure:"api_token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	URLTimeout time.Duration `mapstructure:"url_timeout"`
}

type SQLMapConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Level      int           `mapstructure:"level"`
	Risk       int           `mapstructure:"risk"`
	Timeout    time.Duration `mapstructure:"timeout"`
	URLTimeout time.Duration `mapstructure:"url_timeout"`
}

// NmapConfig drives the service scan of open ports. At most MaxPorts of
// the ports found open are handed to nmap per host.
type NmapConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Scripts    string        `mapstructure:"scripts"`
	MaxPorts   int           `mapstructure:"max_ports"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the optional status API started next to a scan.
type APIConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	Addr      string          `mapstructure:"addr"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

var validPhases = map[string]bool{
	"subdomains":  true,
	"dns":         true,
	"ports":       true,
	"http":        true,
	"directories": true,
	"waf":         true,
	"tls":         true,
	"whois":       true,
	"origin":      true,
	"external":    true,
}

// Validate rejects values that would make a scan impossible to run.
func (c *Config) Validate() error {
	for name, p := range map[string]ProbeConfig{
		"subdomain": c.Probes.Subdomain,
		"dns_brute": c.Probes.DNSBrute,
		"port":      c.Probes.Port,
		"directory": c.Probes.Directory,
		"waf":       c.Probes.WAF,
	} {
		if p.Concurrency <= 0 {
			return fmt.Errorf("probes.%s.concurrency must be positive, got %d", name, p.Concurrency)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("probes.%s.timeout must be positive, got %s", name, p.Timeout)
		}
	}

	for _, phase := range c.Scan.Phases {
		if !validPhases[strings.ToLower(phase)] {
			return fmt.Errorf("unknown scan phase %q", phase)
		}
	}

	if c.Origin.LengthTolerance < 0 {
		return fmt.Errorf("origin.length_tolerance must not be negative")
	}

	return nil
}

// AllPhases lists the scan phases in execution order.
func AllPhases() []string {
	return []string{"subdomains", "dns", "ports", "http", "directories", "waf", "tls", "whois", "origin", "external"}
}

func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "tarantula",
			ExporterType: "otlp",
			Endpoint:     "localhost:4318",
			SampleRate:   1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tarantula",
		},
		Redis: RedisConfig{
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			TTL:          24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			BurstSize:         50,
			MinDelay:          0,
		},
		Scan: ScanConfig{
			Timeout:          30 * time.Minute,
			Phases:           AllPhases(),
			ProgressInterval: 2 * time.Second,
			UserAgent:        "Mozilla/5.0 (compatible; tarantula/1.0)",
		},
		Probes: ProbesConfig{
			Subdomain: ProbeConfig{Concurrency: 150, Timeout: 5 * time.Second},
			DNSBrute:  ProbeConfig{Concurrency: 100, Timeout: 3 * time.Second},
			Port:      ProbeConfig{Concurrency: 250, Timeout: 3 * time.Second},
			Directory: ProbeConfig{Concurrency: 40, Timeout: 5 * time.Second},
			WAF:       ProbeConfig{Concurrency: 5, Timeout: 10 * time.Second},
			Resolvers: []string{
				"8.8.8.8:53",
				"1.1.1.1:53",
				"9.9.9.9:53",
			},
			MaxBodyKiB: 512,
		},
		CertLogs: CertLogsConfig{
			Enabled:     true,
			CrtSh:       "https://crt.sh",
			CertSpotter: "https://api.certspotter.com",
			Timeout:     15 * time.Second,
		},
		Origin: OriginConfig{
			Sources:         []string{"history", "correlation", "certificate", "headers", "mail", "shodan", "fofa"},
			VerifyTimeout:   10 * time.Second,
			LengthTolerance: 1000,
			HistoryEndpoint: "https://api.hackertarget.com",
			WhoisEnrichment: true,
			Shodan:          ShodanConfig{Endpoint: "https://api.shodan.io"},
			FOFA:            FOFAConfig{Endpoint: "https://fofa.info"},
		},
		Tools: ToolsConfig{
			Enabled: []string{"nuclei", "wpscan", "sqlmap", "nmap"},
			Nuclei: NucleiConfig{
				BinaryPath: "nuclei",
				Templates:  []string{"cves", "vulnerabilities", "exposures", "misconfiguration"},
				Severity:   "critical,high,medium",
				Timeout:    10 * time.Minute,
				MaxTargets: 50,
				Retries:    2,
			},
			WPScan: WPScanConfig{
				BinaryPath: "wpscan",
				Timeout:    10 * time.Minute,
				URLTimeout: 3 * time.Minute,
			},
			SQLMap: SQLMapConfig{
				BinaryPath: "sqlmap",
				Level:      1,
				Risk:       1,
				Timeout:    5 * time.Minute,
				URLTimeout: 2 * time.Minute,
			},
			Nmap: NmapConfig{
				BinaryPath: "nmap",
				Scripts:    "default,vuln",
				MaxPorts:   20,
				Timeout:    5 * time.Minute,
			},
		},
		API: APIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8080",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
	}
}
