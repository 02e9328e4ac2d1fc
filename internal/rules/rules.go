// Package rules matches requested destinations against the configured URL
// rules to pick per-destination bandwidth.
package rules

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anton-dessiatov/throttleproxy/internal/bandwidth"
	"github.com/anton-dessiatov/throttleproxy/internal/config"
)

// DefaultResolveTimeout bounds the lookup of a single rule's host.
const DefaultResolveTimeout = 2 * time.Second

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Rule binds a URL and its resolved IPv4 addresses to bandwidth overrides.
// The zero Rule stands for "use the global defaults". Host is the URL host
// lowercased and without the scheme's default port.
type Rule struct {
	Raw           string
	URL           *url.URL
	Host          string
	IncomingSpeed bandwidth.Rate
	OutgoingSpeed bandwidth.Rate
	IPs           []string
}

// Port returns the port implied by the rule scheme.
func (r Rule) Port() int {
	if r.URL != nil && r.URL.Scheme == "https" {
		return 443
	}
	return 80
}

// IsZero reports whether r is the empty rule.
func (r Rule) IsZero() bool {
	return r.URL == nil
}

func (r Rule) matches(host string, port int, isIP bool) bool {
	if r.URL == nil || port != r.Port() {
		return false
	}
	if !isIP {
		// Host keeps a non-default explicit port, so "example.com:8080"
		// only matches a literal request for that string.
		return r.Host == host
	}
	for _, ip := range r.IPs {
		if ip == host {
			return true
		}
	}
	return false
}

// Set is an ordered, immutable list of rules. The first matching rule wins.
type Set struct {
	rules []Rule
}

// NewSet wraps already built rules.
func NewSet(rules ...Rule) *Set {
	return &Set{rules: rules}
}

// Build parses the configured URLs and resolves their hosts. Unparsable URLs
// are skipped and failed lookups leave the rule without IPs; neither stops
// the build. Lookups run concurrently, each bounded by timeout.
func Build(ctx context.Context, urls []config.URLConfig, resolver Resolver, timeout time.Duration, log zerolog.Logger) *Set {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}

	rules := make([]Rule, 0, len(urls))
	for _, uc := range urls {
		u, err := url.Parse(uc.URL)
		if err != nil || u.Host == "" {
			log.Warn().Str("url", uc.URL).Msg("Skipping rule with invalid URL")
			continue
		}
		rules = append(rules, Rule{
			Raw:           uc.URL,
			URL:           u,
			Host:          normalizeHost(u),
			IncomingSpeed: uc.IncomingSpeed,
			OutgoingSpeed: uc.OutgoingSpeed,
		})
	}

	var wg sync.WaitGroup
	for i := range rules {
		wg.Add(1)
		go func(r *Rule) {
			defer wg.Done()
			r.IPs = resolve(ctx, resolver, strings.ToLower(r.URL.Hostname()), timeout, log)
		}(&rules[i])
	}
	wg.Wait()

	return &Set{rules: rules}
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// normalizeHost returns the host the way browsers serialise it: lowercase,
// with the scheme's default port dropped.
func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || port == defaultPorts[u.Scheme] {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

func resolve(ctx context.Context, resolver Resolver, host string, timeout time.Duration, log zerolog.Logger) []string {
	if ipv4Pattern.MatchString(host) {
		return []string{host}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ips, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		log.Warn().Err(err).Str("host", host).Msg("Can't resolve IPs, rule matches by hostname only")
		return nil
	}

	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	log.Debug().Str("host", host).Strs("ips", out).Msg("Rule host resolved")
	return out
}

// Match returns the first rule for host and port, or the zero Rule.
func (s *Set) Match(host string, port int) Rule {
	isIP := ipv4Pattern.MatchString(host)
	for _, r := range s.rules {
		if r.matches(host, port, isIP) {
			return r
		}
	}
	return Rule{}
}

// Rules returns the rules in match order.
func (s *Set) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}

// Rates returns every override speed mentioned by the rules.
func (s *Set) Rates() []bandwidth.Rate {
	var rates []bandwidth.Rate
	for _, r := range s.rules {
		if r.IncomingSpeed != bandwidth.Unlimited {
			rates = append(rates, r.IncomingSpeed)
		}
		if r.OutgoingSpeed != bandwidth.Unlimited {
			rates = append(rates, r.OutgoingSpeed)
		}
	}
	return rates
}
