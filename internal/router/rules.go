package router

import (
	"fmt"
	"regexp"
	"strings"
)

// Strategy names a caching strategy
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// ParseStrategy validates a strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate:
		return st, nil
	default:
		return "", fmt.Errorf("unknown cache strategy %q", s)
	}
}

// Rule maps request paths matching Pattern to a strategy
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Strategy Strategy
}

var apiPath = regexp.MustCompile(`^/api/`)

// DefaultRules returns the route table in match order. root selects the
// strategy for the app shell at "/".
func DefaultRules(root Strategy) []Rule {
	if root == "" {
		root = CacheFirst
	}
	return []Rule{
		{Name: "build-assets", Pattern: regexp.MustCompile(`^/_next/static/|^/static/|^/assets/`), Strategy: CacheFirst},
		{Name: "images", Pattern: regexp.MustCompile(`(?i)\.(png|jpg|jpeg|svg|gif|webp)$`), Strategy: CacheFirst},
		{Name: "auth-api", Pattern: regexp.MustCompile(`^/api/auth/`), Strategy: NetworkFirst},
		{Name: "api", Pattern: apiPath, Strategy: NetworkFirst},
		{Name: "root", Pattern: regexp.MustCompile(`^/$`), Strategy: root},
	}
}

// Classify returns the first rule matching path. Unmatched paths get
// stale-while-revalidate under the name "default".
func Classify(rules []Rule, path string) Rule {
	for _, rule := range rules {
		if rule.Pattern.MatchString(path) {
			return rule
		}
	}
	return Rule{Name: "default", Strategy: StaleWhileRevalidate}
}

// IsAPIPath reports whether path is served by the upstream API
func IsAPIPath(path string) bool {
	return apiPath.MatchString(path)
}
