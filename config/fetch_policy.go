package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// FetchPolicyConfig restricts which result pages the researcher may fetch
// when filling empty search snippets. An empty Allow list permits every
// host that is not disallowed or paywalled.
type FetchPolicyConfig struct {
	Allow    []string `mapstructure:"allow" json:"allow"`
	Disallow []string `mapstructure:"disallow" json:"disallow"`
	Paywall  []string `mapstructure:"paywall" json:"paywall"`
}

// Normalize cleans entries and removes duplicates.
func (c FetchPolicyConfig) Normalize() FetchPolicyConfig {
	c.Allow = sanitizeDomainList(c.Allow)
	c.Disallow = sanitizeDomainList(c.Disallow)
	c.Paywall = sanitizeDomainList(c.Paywall)
	return c
}

// Validate ensures configured entries do not conflict.
func (c FetchPolicyConfig) Validate() error {
	norm := c.Normalize()

	allow := make(map[string]struct{}, len(norm.Allow))
	for _, host := range norm.Allow {
		allow[host] = struct{}{}
	}
	disallow := make(map[string]struct{}, len(norm.Disallow))
	for _, host := range norm.Disallow {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("fetch policy conflict: host %q present in both allow and disallow lists", host)
		}
		disallow[host] = struct{}{}
	}
	for _, host := range norm.Paywall {
		if _, ok := allow[host]; ok {
			return fmt.Errorf("fetch policy conflict: host %q marked allow and paywall", host)
		}
	}
	return nil
}

// Permits reports whether link may be fetched. Subdomains inherit the rule
// of their parent domain.
func (c FetchPolicyConfig) Permits(link string) bool {
	host := normalizeHost(link)
	if host == "" {
		return false
	}
	if matchesDomain(host, c.Disallow) || matchesDomain(host, c.Paywall) {
		return false
	}
	if len(c.Allow) == 0 {
		return true
	}
	return matchesDomain(host, c.Allow)
}

func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func sanitizeDomainList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		host := normalizeHost(raw)
		if host == "" {
			continue
		}
		seen[host] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for host := range seen {
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		u, err := url.Parse(value)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		value = u.Hostname()
	}
	return strings.TrimPrefix(value, "www.")
}
