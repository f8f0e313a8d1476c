package external

import (
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/CodeMonkeyCybersecurity/tarantula/internal/config"
	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/types"
)

// EndpointAdapter is an adapter that scans open ports rather than hosts.
// Its targets are host:port pairs.
type EndpointAdapter interface {
	Adapter
	Endpoints()
}

type nmapScanner struct {
	cfg    config.NmapConfig
	runner *Runner
}

// NewNmap creates the service scan adapter. Hosts are scanned one at a
// time with version detection and the configured scripts.
func NewNmap(cfg config.NmapConfig, runner *Runner) Adapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nmap"
	}
	if cfg.Scripts == "" {
		cfg.Scripts = "default,vuln"
	}
	if cfg.MaxPorts <= 0 {
		cfg.MaxPorts = 20
	}
	return &nmapScanner{cfg: cfg, runner: runner}
}

func (s *nmapScanner) Name() string { return "nmap" }

func (s *nmapScanner) Endpoints() {}

func (s *nmapScanner) Invoke(ctx context.Context, targets []string, timeout time.Duration) ([]types.Finding, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hosts, ports := groupEndpoints(targets, s.cfg.MaxPorts)
	return s.runner.sweep(ctx, s.Name(), hosts,
		func(host string) Command {
			return Command{
				Tool:    s.Name(),
				Binary:  s.cfg.BinaryPath,
				Args:    func(p Paths) []string { return s.args(host, ports[host], p) },
				Timeout: timeout,
			}
		},
		func(host string, out *Output) ([]types.Finding, int) { return parseNmap(out.File, host) },
	)
}

func (s *nmapScanner) args(host string, ports []string, p Paths) []string {
	return []string{
		"-sV", "-sC",
		"--script=" + s.cfg.Scripts,
		"-p", strings.Join(ports, ","),
		host,
		"-oX", p.Output,
	}
}

// groupEndpoints splits host:port pairs by host, keeping the first max
// distinct ports of each host. Hosts keep their first-seen order.
func groupEndpoints(endpoints []string, max int) ([]string, map[string][]string) {
	var hosts []string
	ports := make(map[string][]string)
	seen := make(map[string]bool)
	for _, ep := range endpoints {
		host, port, err := net.SplitHostPort(strings.TrimSpace(ep))
		if err != nil || host == "" {
			continue
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			continue
		}
		if seen[ep] {
			continue
		}
		seen[ep] = true
		if _, ok := ports[host]; !ok {
			hosts = append(hosts, host)
		}
		if len(ports[host]) < max {
			ports[host] = append(ports[host], port)
		}
	}
	return hosts, ports
}

type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Status    nmapStatus    `xml:"status"`
	Addresses []nmapAddress `xml:"address"`
	Ports     []nmapPort    `xml:"ports>port"`
}

type nmapStatus struct {
	State string `xml:"state,attr"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapPort struct {
	Protocol string       `xml:"protocol,attr"`
	PortID   string       `xml:"portid,attr"`
	State    nmapStatus   `xml:"state"`
	Service  nmapService  `xml:"service"`
	Scripts  []nmapScript `xml:"script"`
}

type nmapService struct {
	Name      string `xml:"name,attr"`
	Product   string `xml:"product,attr"`
	Version   string `xml:"version,attr"`
	ExtraInfo string `xml:"extrainfo,attr"`
}

type nmapScript struct {
	ID     string `xml:"id,attr"`
	Output string `xml:"output,attr"`
}

// parseNmap maps one XML report. Each open port becomes a service
// finding and each script reporting VULNERABLE a vulnerability. A report
// that does not decode counts as one skipped record.
func parseNmap(data []byte, target string) ([]types.Finding, int) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, 0
	}

	var run nmapRun
	if err := xml.Unmarshal(data, &run); err != nil {
		return nil, 1
	}

	var out []types.Finding
	for _, host := range run.Hosts {
		if host.Status.State != "" && host.Status.State != "up" {
			continue
		}
		address := hostAddress(host, target)

		ports := host.Ports
		sort.SliceStable(ports, func(i, j int) bool {
			a, _ := strconv.Atoi(ports[i].PortID)
			b, _ := strconv.Atoi(ports[j].PortID)
			return a < b
		})
		for _, port := range ports {
			if port.State.State != "open" {
				continue
			}
			out = append(out, serviceFinding(target, address, port))

			for _, script := range port.Scripts {
				if !strings.Contains(script.Output, "VULNERABLE") {
					continue
				}
				out = append(out, types.Finding{
					Target:      target,
					Kind:        types.KindVulnerability,
					Signature:   fmt.Sprintf("nmap:%s:%s", script.ID, port.PortID),
					Tool:        "nmap",
					Type:        "nmap_script",
					Severity:    types.SeverityHigh,
					Title:       fmt.Sprintf("%s on port %s/%s", script.ID, port.PortID, port.Protocol),
					Description: fmt.Sprintf("nmap script %s reports %s:%s as vulnerable", script.ID, address, port.PortID),
					Evidence:    truncateEvidence(script.Output),
					Metadata: map[string]interface{}{
						"host":   address,
						"port":   port.PortID,
						"script": script.ID,
					},
				})
			}
		}
	}
	return out, 0
}

func serviceFinding(target, address string, port nmapPort) types.Finding {
	svc := port.Service
	f := types.Finding{
		Target:    target,
		Kind:      types.KindTechnology,
		Signature: "nmap:service:" + port.PortID,
		Tool:      "nmap",
		Type:      "Service",
		Severity:  types.SeverityInfo,
		Title:     fmt.Sprintf("Port %s/%s: %s", port.PortID, port.Protocol, serviceLabel(svc)),
		Description: fmt.Sprintf("Port %s/%s is open on %s. Service: %s %s",
			port.PortID, port.Protocol, address, svc.Name, svc.Version),
		Evidence: serviceEvidence(port),
		Metadata: map[string]interface{}{
			"host":       address,
			"port":       port.PortID,
			"protocol":   port.Protocol,
			"service":    svc.Name,
			"product":    svc.Product,
			"version":    svc.Version,
			"extra_info": svc.ExtraInfo,
		},
	}
	if rec, ok := serviceRecommendation(svc.Name); ok {
		f.Solution = rec
	}
	return f
}

func hostAddress(host nmapHost, fallback string) string {
	for _, kind := range []string{"ipv4", "ipv6"} {
		for _, addr := range host.Addresses {
			if addr.AddrType == kind {
				return addr.Addr
			}
		}
	}
	return fallback
}

func serviceLabel(svc nmapService) string {
	parts := []string{}
	for _, p := range []string{svc.Product, svc.Version} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		if svc.Name == "" {
			return "unknown"
		}
		return svc.Name
	}
	return strings.Join(parts, " ")
}

func serviceEvidence(port nmapPort) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Port: %s/%s\n", port.PortID, port.Protocol)
	if port.Service.Name != "" {
		fmt.Fprintf(&b, "Service: %s\n", port.Service.Name)
	}
	if port.Service.Product != "" {
		fmt.Fprintf(&b, "Product: %s\n", port.Service.Product)
	}
	if port.Service.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", port.Service.Version)
	}
	if port.Service.ExtraInfo != "" {
		fmt.Fprintf(&b, "Extra Info: %s\n", port.Service.ExtraInfo)
	}
	return b.String()
}

var serviceRecommendations = []struct {
	service string
	advice  string
}{
	{"telnet", "Telnet transmits data in plain text. Replace with SSH for remote access."},
	{"ftp", "FTP transmits credentials in plain text. Use SFTP or FTPS instead."},
	{"vnc", "Ensure VNC requires strong authentication and is not reachable from the internet."},
	{"rdp", "Enable Network Level Authentication and restrict RDP to trusted networks."},
	{"microsoft-ds", "Disable SMBv1, require authentication and restrict access."},
	{"netbios", "Do not expose NetBIOS services outside the local network."},
	{"mysql", "Bind to localhost only, use TLS and strong authentication."},
	{"redis", "Enable authentication and bind to specific interfaces."},
}

func serviceRecommendation(service string) (string, bool) {
	service = strings.ToLower(service)
	if service == "" {
		return "", false
	}
	for _, r := range serviceRecommendations {
		if strings.Contains(service, r.service) {
			return r.advice, true
		}
	}
	return "", false
}

func truncateEvidence(s string) string {
	s = strings.TrimSpace(s)
	const max = 2048
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
