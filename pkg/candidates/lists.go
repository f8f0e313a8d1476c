package candidates

import (
	"strings"

	"github.com/CodeMonkeyCybersecurity/tarantula/pkg/probe"
)

// Subdomains returns the built-in subdomain label list.
func Subdomains() *List { return NewList(probe.KindSubdomain, subdomainWords) }

// DNSBrute returns the extended enterprise label list.
func DNSBrute() *List { return NewList(probe.KindDNSBrute, extendedWords) }

// Directories returns the built-in directory list.
func Directories() *List { return NewList(probe.KindPath, directoryWords) }

// SensitiveFiles returns file names checked under every discovered directory.
func SensitiveFiles() *List { return NewList(probe.KindPath, sensitiveFiles) }

// RootFiles returns informational files checked at the web root.
func RootFiles() *List { return NewList(probe.KindPath, rootFiles) }

// WAFPayloads returns the requests used to provoke a WAF response.
func WAFPayloads() *List { return NewList(probe.KindWAF, wafPayloads) }

// WAFBypassPayloads returns the evasion variants tried once a WAF is seen.
func WAFBypassPayloads() *List { return NewList(probe.KindWAFBypass, wafBypassPayloads) }

// BackupVariants returns the backup-file names of path.
func BackupVariants(path string) []string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil
	}
	out := make([]string, 0, len(backupExtensions))
	for _, ext := range backupExtensions {
		out = append(out, path+ext)
	}
	return out
}

// PathCandidates turns relative paths into path candidates, for example the
// Disallow entries of robots.txt.
func PathCandidates(paths []string) []probe.Candidate {
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "/")
		if p == "" || strings.ContainsAny(p, "*$") {
			continue
		}
		clean = append(clean, p)
	}
	return fromValues(probe.KindPath, clean)
}

var subdomainWords = []string{
	"www", "mail", "ftp", "localhost", "webmail", "smtp", "pop", "ns1", "webdisk",
	"ns2", "cpanel", "whm", "autodiscover", "autoconfig", "mobile", "m", "test",
	"admin", "dev", "api", "staging", "beta", "demo", "cdn", "static", "assets",
	"blog", "shop", "store", "portal", "secure", "vpn", "remote", "access",
	"support", "help", "docs", "wiki", "forum", "chat", "video", "stream",
	"app", "service", "web", "old", "new", "backup", "db", "database", "sql",
	"git", "svn", "repo", "code", "jenkins", "ci", "cd", "build", "deploy",
	"monitor", "status", "health", "metrics", "logs", "grafana", "kibana",
	"elastic", "prometheus", "consul", "vault", "nomad", "k8s", "kubernetes",
	"docker", "registry", "harbor", "nexus", "artifactory", "sonar", "quality",
}

var extendedWords = []string{
	"internal", "intranet", "extranet", "corp", "corporate", "company",
	"office", "hq", "headquarters", "branch", "regional", "local",
	"prod", "production", "staging", "testing", "uat", "qa", "dev",
	"sandbox", "lab", "research", "experimental", "pilot", "demo",
	"training", "education", "learn", "academy", "university",
	"partners", "vendor", "supplier", "client", "customer", "guest",
	"public", "private", "secure", "protected", "restricted", "classified",
}

var directoryWords = []string{
	"admin", "login", "dashboard", "api", "backup", "config", "test", "dev",
	"uploads", "images", "css", "js", "includes", "tmp", "temp", "logs",
	"phpmyadmin", "wp-admin", "wp-content", "wp-includes", ".git", ".env",
	"administrator", "management", "manager", "panel", "control", "cpanel",
	"database", "db", "sql", "mysql", "oracle", "postgres", "redis",
	"files", "file", "docs", "documentation", "help", "support", "contact",
	"about", "services", "products", "shop", "store", "cart", "checkout",
	"user", "users", "profile", "account", "settings", "preferences",
	"blog", "news", "events", "gallery", "portfolio", "projects",
	"search", "results", "reports", "analytics", "stats", "statistics",
	"monitor", "monitoring", "status", "health", "check", "ping",
	"secure", "security", "auth", "authentication", "oauth", "sso",
	"mobile", "app", "application", "service", "webservice", "rest",
	"v1", "v2", "api/v1", "api/v2", "graphql", "swagger", "openapi",
}

var sensitiveFiles = []string{
	".env", ".env.local", ".env.production", ".env.development",
	".git/config", ".git/HEAD", ".gitignore",
	"web.config", "php.ini", "phpinfo.php", "info.php",
	"config.php", "database.php", "wp-config.php", "settings.php",
	"backup.sql", "dump.sql", "database.sql", "db_backup.sql",
	"users.txt", "passwords.txt", "credentials.txt",
	"id_rsa", "id_dsa", "private.key", "server.key",
	"robots.txt", "sitemap.xml", "crossdomain.xml",
	"composer.json", "package.json", "yarn.lock",
	"Dockerfile", "docker-compose.yml", ".dockerignore",
	"README.md", "CHANGELOG.md", "TODO.txt",
}

var rootFiles = []string{
	"robots.txt", "sitemap.xml", "security.txt", ".well-known/security.txt",
	"crossdomain.xml", "clientaccesspolicy.xml", "humans.txt",
}

var backupExtensions = []string{".bak", ".backup", ".old", ".orig", ".copy", ".tmp", "~"}

var wafPayloads = []string{
	"/?id=1' OR '1'='1",
	"/?test=<script>alert(1)</script>",
	"/?union=SELECT * FROM users",
	"/?cmd=cat /etc/passwd",
	"/?xss='><img src=x onerror=alert(1)>",
}

var wafBypassPayloads = []string{
	"/?id=1' UnIoN sElEcT * FrOm users--",
	"/?id=1' UNION/**/SELECT/**/*/**/FROM/**/users--",
	"/?id=1%27%20UNION%20SELECT%20*%20FROM%20users--",
	"/?id=1%2527%2520UNION%2520SELECT%2520*%2520FROM%2520users--",
	"/?id=1' UNION%00SELECT * FROM users--",
	"/?id=1'%09UNION%0ASELECT%0D*%0CFROM%0Busers--",
}
