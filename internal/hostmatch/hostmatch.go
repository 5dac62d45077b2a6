// Package hostmatch implements the network Host-Matcher: given a set of
// allow/deny host patterns, decide whether a requested host is permitted.
//
// Grounded on the shape of config.MatchesDomain/config.MatchesHost (a
// two-list deny/allow scan over string patterns), extended with the
// pieces those simpler matchers never needed: CIDR blocks, bare IP
// literals, host:port patterns, and an explicit specificity tie-break.
package hostmatch

import (
	"net/netip"
	"strconv"
	"strings"
)

// Specificity orders how a pattern won a match, most to least specific.
type Specificity int

const (
	// NoMatch means the pattern did not match at all.
	NoMatch Specificity = iota
	// Universal is the "*" pattern.
	Universal
	// Wildcard is a "*.domain" pattern.
	Wildcard
	// CIDRMatch is an IP falling inside a CIDR block pattern.
	CIDRMatch
	// Exact is an exact hostname, IP literal, or host:port match.
	Exact
)

// Decision is the result of evaluating a host against a rule set.
type Decision struct {
	Allowed      bool
	MatchedRule  string
	Specificity  Specificity
}

// Matcher evaluates a host against configured allow/deny pattern lists.
// Evaluation is deny-first: any deny match beats any allow match
// regardless of specificity, matching spec.md's "deny always wins"
// precedence rule. Within one side (deny or allow), the most specific
// pattern wins; ties break by first-match-wins in list order.
type Matcher struct {
	allow []string
	deny  []string
}

// New builds a Matcher from allow and deny pattern lists.
func New(allow, deny []string) *Matcher {
	return &Matcher{allow: allow, deny: deny}
}

// Match decides whether host (optionally "host:port") is allowed.
func Match(host string, allow, deny []string) Decision {
	return New(allow, deny).Match(host)
}

// Match decides whether host is allowed under this matcher's rules.
func (m *Matcher) Match(host string) Decision {
	if d, ok := bestMatch(host, m.deny); ok {
		return Decision{Allowed: false, MatchedRule: d.MatchedRule, Specificity: d.Specificity}
	}
	if len(m.allow) == 0 {
		return Decision{Allowed: false}
	}
	if a, ok := bestMatch(host, m.allow); ok {
		return Decision{Allowed: true, MatchedRule: a.MatchedRule, Specificity: a.Specificity}
	}
	return Decision{Allowed: false}
}

// bestMatch scans patterns for the most specific match against host.
func bestMatch(host string, patterns []string) (Decision, bool) {
	best := Decision{Specificity: NoMatch}
	found := false

	hostOnly, _, hasPort := splitHostPort(host)
	hostLower := strings.ToLower(hostOnly)

	for _, pattern := range patterns {
		spec, ok := matchOne(hostLower, host, hasPort, pattern)
		if !ok {
			continue
		}
		found = true
		if spec > best.Specificity {
			best = Decision{MatchedRule: pattern, Specificity: spec}
		}
	}

	return best, found
}

func matchOne(hostLower, rawHost string, hasPort bool, pattern string) (Specificity, bool) {
	if pattern == "" {
		return NoMatch, false
	}
	if pattern == "*" {
		return Universal, true
	}

	lowerPattern := strings.ToLower(pattern)

	// host:port literal pattern. A pattern that specifies a port only
	// matches a request that specifies the same port; it never falls
	// back to matching the host on any port.
	if strings.Contains(pattern, ":") && !isBareIPv6(pattern) {
		patHost, patPort, err := splitHostPortLoose(lowerPattern)
		if err != nil {
			return NoMatch, false
		}
		if !hasPort {
			return NoMatch, false
		}
		_, hostPort, _ := splitHostPort(strings.ToLower(rawHost))
		if patHost == hostLower && patPort == hostPort {
			return Exact, true
		}
		return NoMatch, false
	}

	// CIDR block.
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return NoMatch, false
		}
		addr, err := netip.ParseAddr(hostLower)
		if err != nil {
			return NoMatch, false
		}
		if prefix.Contains(addr) {
			return CIDRMatch, true
		}
		return NoMatch, false
	}

	// Bare IP literal (v4 or v6, with or without brackets).
	if addr, err := netip.ParseAddr(strings.Trim(hostLower, "[]")); err == nil {
		if hostAddr, err2 := netip.ParseAddr(strings.Trim(lowerPattern, "[]")); err2 == nil {
			if addr == hostAddr {
				return Exact, true
			}
			return NoMatch, false
		}
	}

	if strings.HasPrefix(lowerPattern, "*.") {
		base := lowerPattern[2:]
		if strings.HasSuffix(hostLower, "."+base) {
			return Wildcard, true
		}
		return NoMatch, false
	}

	if hostLower == lowerPattern {
		return Exact, true
	}

	return NoMatch, false
}

func isBareIPv6(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil && strings.Contains(s, ":")
}

// splitHostPort splits "host:port" into host and port, reporting whether
// a port was present. IPv6 literals (containing multiple colons, not
// bracketed) are treated as having no port since they cannot be split
// unambiguously.
func splitHostPort(s string) (host, port string, hasPort bool) {
	if strings.HasPrefix(s, "[") {
		if idx := strings.Index(s, "]:"); idx >= 0 {
			return s[1:idx], s[idx+2:], true
		}
		return strings.Trim(s, "[]"), "", false
	}
	if strings.Count(s, ":") != 1 {
		return s, "", false
	}
	idx := strings.LastIndex(s, ":")
	portStr := s[idx+1:]
	if _, err := strconv.Atoi(portStr); err != nil {
		return s, "", false
	}
	return s[:idx], portStr, true
}

func splitHostPortLoose(s string) (host, port string, err error) {
	h, p, ok := splitHostPort(s)
	if !ok {
		return "", "", errNotHostPort
	}
	return h, p, nil
}

var errNotHostPort = &notHostPortError{}

type notHostPortError struct{}

func (e *notHostPortError) Error() string { return "not a host:port pattern" }
