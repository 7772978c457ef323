package scope

import (
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/metrics"
)

// ProposedAction is what an agent wants to do, presented for validation
// before anything executes.
type ProposedAction struct {
	AgentID string   `json:"agent_id"`
	Kind    string   `json:"kind"`
	Target  string   `json:"target"`
	Args    []string `json:"args,omitempty"`
}

// TargetCheck records the outcome for one extracted target reference.
type TargetCheck struct {
	Raw     string `json:"raw"`
	Class   string `json:"class"` // ip, cidr, hostname
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Decision is the validator's verdict. Allowed and Blocked are the only
// outcomes; any ambiguity resolves to Blocked.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason"`
	RuleApplied string        `json:"rule_applied"`
	Targets     []TargetCheck `json:"targets,omitempty"`
}

// Validator is the hard gate every action passes through before it
// executes. Validation is pure and deterministic: no network, no
// randomness, no reasoning call. The only side effect is the unconditional
// audit append.
type Validator struct {
	store   *Store
	sink    audit.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValidator creates a validator over the active rule store.
func NewValidator(store *Store, sink audit.Sink, m *metrics.Metrics, logger *slog.Logger) *Validator {
	return &Validator{store: store, sink: sink, metrics: m, logger: logger}
}

// Validate authorizes or blocks the proposed action. Every invocation,
// allowed or blocked, is appended to the audit log with full reasoning.
func (v *Validator) Validate(pa ProposedAction) Decision {
	start := time.Now()
	decision := v.evaluate(pa)
	v.observe(pa, decision, time.Since(start))
	return decision
}

// evaluate runs the check sequence: normalize, extract, per-target
// allow-list membership, forbidden-kind. First failing check wins.
func (v *Validator) evaluate(pa ProposedAction) Decision {
	rules := v.store.Current()
	if rules == nil {
		return Decision{Reason: "no scope rules loaded", RuleApplied: "fail_closed"}
	}

	// Normalize to NFKC before any matching so homoglyph or encoding
	// variants cannot smuggle a target past extraction.
	kind := norm.NFKC.String(strings.TrimSpace(pa.Kind))
	target := norm.NFKC.String(strings.TrimSpace(pa.Target))
	args := make([]string, len(pa.Args))
	for i, a := range pa.Args {
		args[i] = norm.NFKC.String(a)
	}

	if kind == "" {
		return Decision{Reason: "action kind is empty", RuleApplied: "fail_closed"}
	}

	targets, err := extractTargets(target, args)
	if err != nil {
		return Decision{Reason: err.Error(), RuleApplied: "fail_closed"}
	}
	if len(targets) == 0 {
		return Decision{Reason: "no extractable target reference in action", RuleApplied: "fail_closed"}
	}

	checks := make([]TargetCheck, 0, len(targets))
	for _, t := range targets {
		check := checkTarget(rules, t)
		checks = append(checks, check)
		if !check.Allowed {
			return Decision{
				Reason:      fmt.Sprintf("target %q out of scope: %s", t.raw, check.Reason),
				RuleApplied: "allow_list",
				Targets:     checks,
			}
		}
	}

	if rules.kindForbidden(kind) {
		return Decision{
			Reason:      fmt.Sprintf("action kind %q is forbidden", kind),
			RuleApplied: "forbidden_kinds",
			Targets:     checks,
		}
	}

	return Decision{
		Allowed:     true,
		Reason:      "all targets within scope and kind permitted",
		RuleApplied: "allow_list",
		Targets:     checks,
	}
}

// observe appends the unconditional audit entry and updates metrics. The
// audit write is never skipped, whatever the outcome.
func (v *Validator) observe(pa ProposedAction, d Decision, elapsed time.Duration) {
	outcome := "blocked"
	if d.Allowed {
		outcome = "allowed"
	}
	if v.metrics != nil {
		v.metrics.ScopeChecksTotal.WithLabelValues(outcome).Inc()
		v.metrics.ScopeCheckDuration.Observe(elapsed.Seconds())
	}

	entry := audit.NewEntry(audit.KindScopeCheck, pa.AgentID, map[string]any{
		"kind":         pa.Kind,
		"target":       pa.Target,
		"allowed":      d.Allowed,
		"reason":       d.Reason,
		"rule_applied": d.RuleApplied,
	})
	if err := v.sink.Append(entry); err != nil {
		if v.metrics != nil {
			v.metrics.AuditAppendErrors.Inc()
		}
		v.logger.Error("Failed to audit scope check", "agent_id", pa.AgentID, "error", err)
	}

	if !d.Allowed {
		v.logger.Warn("Scope check blocked action",
			"agent_id", pa.AgentID, "kind", pa.Kind, "target", pa.Target, "reason", d.Reason)
	}
}

// extractedTarget is one literal target reference pulled out of the action
// by syntax-level parsing.
type extractedTarget struct {
	raw    string
	addr   netip.Addr
	prefix netip.Prefix
	host   string
	port   uint16
	class  string // ip, cidr, hostname
}

var (
	ipv4Pattern     = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)
	cidrPattern     = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}/\d{1,3}$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)
	schemePattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)
)

// extractTargets pulls every literal target reference out of the action's
// target string and arguments. The target string must yield at least one
// reference; a token there that looks address-like but does not parse is an
// ambiguity and fails the whole extraction. Argument tokens that are plain
// free text are ignored, but address-like argument tokens are extracted and
// checked too.
func extractTargets(target string, args []string) ([]extractedTarget, error) {
	var out []extractedTarget

	for _, token := range tokenize(target) {
		et, matched, err := classifyToken(token)
		if err != nil {
			return nil, fmt.Errorf("ambiguous target reference %q: %v", token, err)
		}
		if matched {
			out = append(out, et)
		}
	}

	for _, arg := range args {
		for _, token := range tokenize(arg) {
			et, matched, err := classifyToken(token)
			if err != nil {
				return nil, fmt.Errorf("ambiguous target reference %q in arguments: %v", token, err)
			}
			if matched {
				out = append(out, et)
			}
		}
	}

	return out, nil
}

// tokenize splits free text on whitespace and commas and strips URL scheme
// and path decoration so the host component is exposed.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = schemePattern.ReplaceAllString(f, "")
		if i := strings.IndexAny(f, "/?#"); i >= 0 && !cidrPattern.MatchString(f) {
			f = f[:i]
		}
		f = strings.Trim(f, "\"'()<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// classifyToken decides whether a token is a target reference. It returns
// matched=false for plain words, an error for tokens that resemble an
// address but fail to parse (fail-closed), and a populated extractedTarget
// otherwise.
func classifyToken(token string) (extractedTarget, bool, error) {
	// CIDR range.
	if cidrPattern.MatchString(token) {
		prefix, err := netip.ParsePrefix(token)
		if err != nil {
			return extractedTarget{}, false, fmt.Errorf("malformed CIDR: %v", err)
		}
		return extractedTarget{raw: token, prefix: prefix, class: "cidr"}, true, nil
	}

	// Bracketed IPv6, optionally with port.
	if strings.HasPrefix(token, "[") {
		ap, err := netip.ParseAddrPort(token)
		if err == nil {
			return extractedTarget{raw: token, addr: ap.Addr(), port: ap.Port(), class: "ip"}, true, nil
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(token, "["), "]")
		addr, err := netip.ParseAddr(inner)
		if err != nil {
			return extractedTarget{}, false, fmt.Errorf("malformed IPv6 literal: %v", err)
		}
		return extractedTarget{raw: token, addr: addr, class: "ip"}, true, nil
	}

	// IPv4, IPv4:port, bare IPv6.
	if ipv4Pattern.MatchString(token) {
		addr, err := netip.ParseAddr(token)
		if err != nil {
			return extractedTarget{}, false, fmt.Errorf("malformed address: %v", err)
		}
		return extractedTarget{raw: token, addr: addr, class: "ip"}, true, nil
	}
	if host, portStr, ok := splitHostPort(token); ok {
		if ipv4Pattern.MatchString(host) {
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return extractedTarget{}, false, fmt.Errorf("malformed address: %v", err)
			}
			port, err := parsePort(portStr)
			if err != nil {
				return extractedTarget{}, false, err
			}
			return extractedTarget{raw: token, addr: addr, port: port, class: "ip"}, true, nil
		}
		if hostnamePattern.MatchString(host) {
			port, err := parsePort(portStr)
			if err != nil {
				return extractedTarget{}, false, err
			}
			return extractedTarget{raw: token, host: host, port: port, class: "hostname"}, true, nil
		}
	}
	if strings.Count(token, ":") >= 2 {
		addr, err := netip.ParseAddr(token)
		if err != nil {
			return extractedTarget{}, false, fmt.Errorf("malformed IPv6 literal: %v", err)
		}
		return extractedTarget{raw: token, addr: addr, class: "ip"}, true, nil
	}

	// Dotted hostname.
	if hostnamePattern.MatchString(token) {
		return extractedTarget{raw: token, host: token, class: "hostname"}, true, nil
	}

	// Dotted tokens that are neither a valid address nor a valid hostname
	// are ambiguous, not ignorable: e.g. "999.1.1.1" or "host_.example".
	if strings.Contains(token, ".") && !strings.ContainsAny(token, "@") {
		if looksNumericDotted(token) {
			return extractedTarget{}, false, fmt.Errorf("not a valid address")
		}
	}

	return extractedTarget{}, false, nil
}

// looksNumericDotted reports whether every dot-separated label is numeric,
// i.e. the token was written as an address.
func looksNumericDotted(token string) bool {
	labels := strings.Split(token, ".")
	for _, l := range labels {
		if l == "" {
			return false
		}
		for _, r := range l {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

func splitHostPort(token string) (host, port string, ok bool) {
	i := strings.LastIndex(token, ":")
	if i <= 0 || i == len(token)-1 {
		return "", "", false
	}
	host, port = token[:i], token[i+1:]
	if strings.Contains(host, ":") {
		return "", "", false
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return "", "", false
		}
	}
	return host, port, true
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed port %q", s)
	}
	return uint16(n), nil
}

// checkTarget evaluates one extracted target against the active rules.
func checkTarget(rules *Rules, t extractedTarget) TargetCheck {
	check := TargetCheck{Raw: t.raw, Class: t.class}

	if t.port != 0 && !rules.allowsPort(t.port) {
		check.Reason = fmt.Sprintf("port %d is not in the allowed port list", t.port)
		return check
	}

	switch t.class {
	case "ip":
		if !rules.allowsAddr(t.addr) {
			check.Reason = "address is outside every allowed range"
			return check
		}
	case "cidr":
		if !rules.allowsPrefix(t.prefix) {
			check.Reason = "range is not contained in any allowed range"
			return check
		}
	case "hostname":
		if !rules.allowsHost(t.host) {
			check.Reason = "hostname does not match any allowed suffix"
			return check
		}
	default:
		check.Reason = "unrecognized target class"
		return check
	}

	check.Allowed = true
	return check
}
