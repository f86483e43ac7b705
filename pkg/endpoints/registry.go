// Package endpoints tracks the health of a fleet of third-party Solana
// RPC endpoints and selects which endpoint each request should be sent to.
//
// The package combines three pieces: a static Registry of candidate URLs,
// a Blacklist that blocks endpoints for a failure-type-specific cooldown
// after classified errors, and a Selector that prefers the last known-good
// endpoint (sticky routing) before falling back to round robin over the
// healthy remainder.
//
// Usage:
//
//	registry := endpoints.NewRegistry(configuredURLs)
//	blacklist := endpoints.NewBlacklist(endpoints.DefaultCooldowns(), logger)
//	selector := endpoints.NewSelector(registry, blacklist)
//
//	url, ok := selector.Preferred()
//	if !ok {
//	    // Every endpoint is currently blacklisted.
//	}
package endpoints

// fallbackEndpoints are used when the environment provides no endpoint
// list, so the process can still reach the cluster.
var fallbackEndpoints = []string{
	"https://api.mainnet-beta.solana.com",
	"https://solana-rpc.publicnode.com",
	"https://rpc.ankr.com/solana",
}

// Registry is an ordered, deduplicated list of candidate endpoint URLs.
// Position implies priority. The list is immutable for the process lifetime.
type Registry struct {
	urls []string
}

// NewRegistry builds a registry from the configured URLs, dropping
// duplicates while preserving order. With no configured URLs the
// hardcoded fallbacks are used instead.
func NewRegistry(configured []string) *Registry {
	seen := make(map[string]struct{})
	urls := make([]string, 0, len(configured))

	for _, url := range configured {
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		urls = append(urls, fallbackEndpoints...)
	}

	return &Registry{urls: urls}
}

// URLs returns a copy of the registry contents in priority order.
func (r *Registry) URLs() []string {
	out := make([]string, len(r.urls))
	copy(out, r.urls)
	return out
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	return len(r.urls)
}

// At returns the endpoint at position i.
func (r *Registry) At(i int) string {
	return r.urls[i]
}

// Primary returns the highest-priority endpoint.
func (r *Registry) Primary() string {
	if len(r.urls) == 0 {
		return ""
	}
	return r.urls[0]
}
