package config

import (
	"net/url"
	"strings"
)

// Rule returns the rule for domain, matching subdomains of configured
// domains. Unknown domains get an empty rule and the walker's generic
// selectors.
func (c *Config) Rule(domain string) SiteRule {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")

	best := SiteRule{Domain: domain}
	bestLen := -1
	for _, s := range c.Sites {
		if s.Domain == "" {
			continue
		}
		if domain == s.Domain || strings.HasSuffix(domain, "."+s.Domain) {
			if len(s.Domain) > bestLen {
				best = s
				bestLen = len(s.Domain)
			}
		}
	}

	return best
}

// Classify returns the domain of rawURL and whether its site is exclusive.
func (c *Config) Classify(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", false
	}

	domain := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	return domain, c.Rule(domain).Exclusive
}
