package web

import (
	"bufio"
	"context"
	"net/http"
	"strings"
)

// MaxRobotsPaths caps how many Disallow entries become path candidates.
const MaxRobotsPaths = 20

// ParseRobots returns the Disallow paths of a robots.txt body, skipping
// empty entries and "/".
func ParseRobots(body string) []string {
	var paths []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "disallow") {
			continue
		}
		path := strings.TrimSpace(value)
		if path == "" || path == "/" || seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	return paths
}

// RobotsPaths fetches robots.txt from the first base that serves it and
// returns at most MaxRobotsPaths Disallow entries.
func RobotsPaths(ctx context.Context, fetcher *Fetcher, bases []string) []string {
	for _, base := range bases {
		page, err := fetcher.Get(ctx, strings.TrimSuffix(base, "/")+"/robots.txt")
		if err != nil || page.StatusCode != http.StatusOK {
			continue
		}
		paths := ParseRobots(string(page.Body))
		if len(paths) > MaxRobotsPaths {
			paths = paths[:MaxRobotsPaths]
		}
		return paths
	}
	return nil
}
