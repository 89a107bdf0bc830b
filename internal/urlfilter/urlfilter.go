// Package urlfilter decides which URLs are tracked and returns their
// canonical form.
package urlfilter

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/runnerr0/tabtime/internal/config"
)

// Filter classifies a URL as trackable or not.
type Filter interface {
	// Check returns the canonical URL when ok is true, or a reason for
	// rejecting it when ok is false.
	Check(raw string) (canonical string, ok bool, reason string)
}

// Rule is a single exclusion rule, matching the storage exclusions table.
type Rule struct {
	Type  string // "domain" or "regex"
	Value string
}

// Rules is the default Filter: scheme allowlist plus domain and regex
// exclusions.
type Rules struct {
	schemes        map[string]bool
	domains        []string
	regexes        []*regexp.Regexp
	stripFragments bool
}

// New builds a Rules filter from the capture config plus any extra rules
// (typically loaded from the exclusions table). Invalid regexes fail
// construction.
func New(cfg config.CaptureConfig, extra ...Rule) (*Rules, error) {
	r := &Rules{
		schemes:        make(map[string]bool),
		stripFragments: cfg.StripFragments,
	}
	for _, s := range cfg.TrackedSchemes {
		r.schemes[strings.ToLower(s)] = true
	}

	domains := append([]string{}, cfg.DenylistDomains...)
	if cfg.UseDefaultDeny {
		domains = append(domains, config.DefaultDenylistDomains()...)
	}
	patterns := append([]string{}, cfg.DenylistRegex...)
	for _, rule := range extra {
		switch rule.Type {
		case "domain":
			domains = append(domains, rule.Value)
		case "regex":
			patterns = append(patterns, rule.Value)
		}
	}
	r.domains = lo.Uniq(lo.Map(domains, func(d string, _ int) string {
		return strings.ToLower(strings.TrimSpace(d))
	}))

	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion %q: %w", p, err)
		}
		r.regexes = append(r.regexes, re)
	}
	return r, nil
}

// Check implements Filter.
func (r *Rules) Check(raw string) (string, bool, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, "empty url"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, "unparseable url"
	}
	scheme := strings.ToLower(u.Scheme)
	if !r.schemes[scheme] {
		return "", false, fmt.Sprintf("scheme %q not tracked", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false, "missing host"
	}
	if d, hit := r.excludedDomain(host); hit {
		return "", false, fmt.Sprintf("domain %s excluded", d)
	}

	canonical := r.normalize(u, scheme, host)
	for _, re := range r.regexes {
		if re.MatchString(host) || re.MatchString(canonical) {
			return "", false, fmt.Sprintf("matched exclusion %s", re.String())
		}
	}
	return canonical, true, ""
}

func (r *Rules) excludedDomain(host string) (string, bool) {
	return lo.Find(r.domains, func(d string) bool {
		return host == d || strings.HasSuffix(host, "."+d)
	})
}

// normalize lowercases scheme and host, drops default ports and
// (optionally) the fragment.
func (r *Rules) normalize(u *url.URL, scheme, host string) string {
	c := *u
	c.Scheme = scheme
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	c.Host = host
	if port != "" {
		c.Host = net.JoinHostPort(host, port)
	}
	if r.stripFragments {
		c.Fragment = ""
		c.RawFragment = ""
	}
	return c.String()
}
