package payguard

import (
	"strings"
)

// DefaultMaxTimeoutSeconds bounds the authorization validity window offered
// in 402 challenges when a route does not set its own.
const DefaultMaxTimeoutSeconds = 300

// PricingPolicy decides whether a route requires payment and, if so, which
// payments are acceptable. A nil/empty result means the route is free.
type PricingPolicy interface {
	RequirementsFor(method, path string) []PaymentRequirements
}

// RouteConfig defines payment configuration for one protected route.
type RouteConfig struct {
	Scheme            string
	Network           Network
	Asset             string
	Amount            string // integer minor units, base-10
	PayTo             string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
}

// RoutesConfig maps route patterns to payment configuration and implements
// PricingPolicy. Patterns take the form "/path", "GET /path", "/path/*", or
// "*" for a catch-all. When several patterns match, the one with the longest
// path wins.
type RoutesConfig map[string]RouteConfig

// RequirementsFor returns the payment requirements for the best-matching
// route pattern, or nil when no pattern matches.
func (rc RoutesConfig) RequirementsFor(method, path string) []PaymentRequirements {
	var (
		best    *RouteConfig
		bestLen = -1
	)

	for pattern, cfg := range rc {
		patLen, ok := matchRoute(pattern, method, path)
		if !ok {
			continue
		}
		if patLen > bestLen {
			cfg := cfg
			best = &cfg
			bestLen = patLen
		}
	}

	if best == nil {
		return nil
	}

	return []PaymentRequirements{best.requirements(path)}
}

func (cfg RouteConfig) requirements(path string) PaymentRequirements {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "exact"
	}

	timeout := cfg.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = DefaultMaxTimeoutSeconds
	}

	return PaymentRequirements{
		Scheme:            scheme,
		Network:           cfg.Network,
		Asset:             cfg.Asset,
		Amount:            cfg.Amount,
		PayTo:             cfg.PayTo,
		Resource:          path,
		Description:       cfg.Description,
		MimeType:          cfg.MimeType,
		MaxTimeoutSeconds: timeout,
	}
}

// matchRoute reports whether a pattern matches the request, returning the
// length of the matched path pattern for specificity ranking.
func matchRoute(pattern, method, path string) (int, bool) {
	if pattern == "*" {
		return 0, true
	}

	pathPattern := pattern
	if verb, rest, found := strings.Cut(pattern, " "); found {
		if !strings.EqualFold(verb, method) && verb != "*" {
			return 0, false
		}
		pathPattern = rest
	}

	if strings.HasSuffix(pathPattern, "/*") {
		prefix := strings.TrimSuffix(pathPattern, "/*")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return len(pathPattern), true
		}
		return 0, false
	}

	if path == pathPattern {
		return len(pathPattern), true
	}
	return 0, false
}
