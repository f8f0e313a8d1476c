package external

import (
	"fmt"
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
)

// FromConfig builds the enabled adapters in configuration order.
func FromConfig(cfg config.ToolsConfig, runner *Runner) ([]Adapter, error) {
	var adapters []Adapter
	for _, name := range cfg.Enabled {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "nuclei":
			adapters = append(adapters, NewNuclei(cfg.Nuclei, runner))
		case "wpscan":
			adapters = append(adapters, NewWPScan(cfg.WPScan, runner))
		case "sqlmap":
			adapters = append(adapters, NewSQLMap(cfg.SQLMap, runner))
		case "nmap":
			adapters = append(adapters, NewNmap(cfg.Nmap, runner))
		case "":
		default:
			return nil, fmt.Errorf("unknown external tool %q", name)
		}
	}
	return adapters, nil
}
