// Package policy implements the ordered, first-match access rule set.
package policy

import (
	"fmt"
	"net"
	"strings"

	"github.com/gobwas/glob"
)

// Action is the outcome of a rule.
type Action string

const (
	// Allow lets the request through to the upstream connector.
	Allow Action = "allow"
	// Deny rejects the request before any upstream connection.
	Deny Action = "deny"
)

// DefaultRuleName is reported in a Decision when no rule matched.
const DefaultRuleName = "default"

// Rule is one access rule as declared in configuration.
//
// Pattern is a host glob where '*' spans any run of characters including dots,
// so "*.example.com" matches every subdomain of example.com at any depth but
// not example.com itself. A Pattern that parses as a CIDR matches IP literal
// targets inside it. Ports and ClientIPs narrow the rule when non-empty.
type Rule struct {
	Name      string
	Pattern   string
	Action    Action
	Ports     []int
	ClientIPs []string
}

// Target is what a rule is evaluated against.
type Target struct {
	Host     string
	Port     int
	ClientIP net.IP
}

// Decision records the action taken and the rule that decided it.
type Decision struct {
	Action  Action
	Rule    string
	Matched bool
}

// Allowed reports whether the decision lets the request proceed.
func (d Decision) Allowed() bool { return d.Action == Allow }

type compiledRule struct {
	name    string
	action  Action
	host    glob.Glob
	network *net.IPNet
	ports   map[int]struct{}
	clients []*net.IPNet
}

// RuleSet is an immutable, ordered rule list. It is safe for concurrent use.
type RuleSet struct {
	rules         []compiledRule
	defaultAction Action
}

// NewRuleSet compiles rules in declared order.
func NewRuleSet(rules []Rule, defaultAction Action) (*RuleSet, error) {
	if err := checkAction(defaultAction); err != nil {
		return nil, fmt.Errorf("default action: %w", err)
	}
	rs := &RuleSet{
		rules:         make([]compiledRule, 0, len(rules)),
		defaultAction: defaultAction,
	}
	for i, r := range rules {
		cr, err := compile(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Pattern, err)
		}
		if cr.name == "" {
			cr.name = fmt.Sprintf("rule_%d", i)
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

func compile(r Rule) (compiledRule, error) {
	if err := checkAction(r.Action); err != nil {
		return compiledRule{}, err
	}
	cr := compiledRule{name: r.Name, action: r.Action}
	pattern := normalizeHost(r.Pattern)
	if pattern == "" {
		return compiledRule{}, fmt.Errorf("empty pattern")
	}
	if _, ipNet, err := net.ParseCIDR(pattern); err == nil {
		cr.network = ipNet
	} else {
		g, err := glob.Compile(pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("invalid pattern: %w", err)
		}
		cr.host = g
	}
	if len(r.Ports) > 0 {
		cr.ports = make(map[int]struct{}, len(r.Ports))
		for _, p := range r.Ports {
			cr.ports[p] = struct{}{}
		}
	}
	for _, cidr := range r.ClientIPs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return compiledRule{}, fmt.Errorf("invalid client_ips entry '%s': %w", cidr, err)
		}
		cr.clients = append(cr.clients, ipNet)
	}
	return cr, nil
}

func checkAction(a Action) error {
	switch a {
	case Allow, Deny:
		return nil
	default:
		return fmt.Errorf("unknown action %q", a)
	}
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// DefaultAction returns the action applied when no rule matches.
func (rs *RuleSet) DefaultAction() Action { return rs.defaultAction }

// Evaluate returns the decision of the first rule matching t, or the default action.
func (rs *RuleSet) Evaluate(t Target) Decision {
	host := normalizeHost(t.Host)
	ip := net.ParseIP(host)
	for _, r := range rs.rules {
		if r.matches(host, ip, t) {
			return Decision{Action: r.action, Rule: r.name, Matched: true}
		}
	}
	return Decision{Action: rs.defaultAction, Rule: DefaultRuleName}
}

func (r *compiledRule) matches(host string, ip net.IP, t Target) bool {
	if r.network != nil {
		if ip == nil || !r.network.Contains(ip) {
			return false
		}
	} else if !r.host.Match(host) {
		return false
	}

	if r.ports != nil {
		if _, ok := r.ports[t.Port]; !ok {
			return false
		}
	}

	if len(r.clients) > 0 {
		if t.ClientIP == nil {
			return false
		}
		clientMatch := false
		for _, n := range r.clients {
			if n.Contains(t.ClientIP) {
				clientMatch = true
				break
			}
		}
		if !clientMatch {
			return false
		}
	}
	return true
}

// normalizeHost lowercases a host, drops IPv6 brackets and a trailing root dot.
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return strings.TrimSuffix(h, ".")
}
