// Package scope implements the hard-gate scope validator: a deterministic,
// fail-closed predicate that authorizes every agent action before it
// executes.
package scope

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/sgerhart/swarmgate/internal/audit"
)

// Rules is the authorization predicate for one engagement: allow-listed
// network ranges and hostname suffixes, allowed ports, and forbidden action
// kinds. Rules are loaded once at engagement start and replaced only
// through the audited Store.Replace path; agents have no mutation access.
type Rules struct {
	AllowCIDRs     []netip.Prefix
	AllowHosts     []string
	AllowPorts     []uint16
	ForbiddenKinds []string

	// RequireAuthKinds lists action kinds that additionally need explicit
	// human sign-off before dispatch. Enforced by the agent loop, not the
	// validator: the validator answers in-scope or not.
	RequireAuthKinds []string
}

// Validate checks the rule set itself for obvious misconfiguration.
func (r *Rules) Validate() error {
	if len(r.AllowCIDRs) == 0 && len(r.AllowHosts) == 0 {
		return fmt.Errorf("scope rules must allow at least one CIDR or hostname suffix")
	}
	for _, h := range r.AllowHosts {
		if h == "" || h == "." {
			return fmt.Errorf("empty hostname suffix in allow list")
		}
	}
	return nil
}

// allowsPort reports whether the port is permitted. An empty AllowPorts
// list permits every port.
func (r *Rules) allowsPort(port uint16) bool {
	if len(r.AllowPorts) == 0 {
		return true
	}
	for _, p := range r.AllowPorts {
		if p == port {
			return true
		}
	}
	return false
}

// allowsAddr reports whether the address falls inside any allowed range.
func (r *Rules) allowsAddr(addr netip.Addr) bool {
	for _, prefix := range r.AllowCIDRs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// allowsPrefix reports whether the whole range is contained in one allowed
// range.
func (r *Rules) allowsPrefix(p netip.Prefix) bool {
	for _, prefix := range r.AllowCIDRs {
		if prefix.Contains(p.Addr()) && p.Bits() >= prefix.Bits() {
			return true
		}
	}
	return false
}

// allowsHost reports whether the hostname matches an allowed suffix. A
// suffix of "example.com" matches "example.com" and any subdomain.
func (r *Rules) allowsHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, suffix := range r.AllowHosts {
		s := strings.ToLower(strings.TrimSuffix(suffix, "."))
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// kindForbidden reports whether the action kind is on the forbidden list.
func (r *Rules) kindForbidden(kind string) bool {
	for _, k := range r.ForbiddenKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// KindRequiresAuth reports whether the action kind needs human sign-off.
func (r *Rules) KindRequiresAuth(kind string) bool {
	for _, k := range r.RequireAuthKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}

// Store holds the active rule set under a single-writer/many-reader
// discipline. Replace is the only mutation path and every replacement is
// audited.
type Store struct {
	mu     sync.RWMutex
	rules  *Rules
	sink   audit.Sink
	logger *slog.Logger
}

// NewStore creates a store holding the initial rule set.
func NewStore(rules *Rules, sink audit.Sink, logger *slog.Logger) (*Store, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scope rules: %w", err)
	}
	return &Store{rules: rules, sink: sink, logger: logger}, nil
}

// Current returns the active rule set snapshot.
func (s *Store) Current() *Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Replace swaps in a new rule set after re-validating it, and appends a
// scope-update audit entry recording who made the change.
func (s *Store) Replace(rules *Rules, updatedBy string) error {
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("rejected scope update: %w", err)
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	entry := audit.NewEntry(audit.KindScopeUpdate, "", map[string]any{
		"updated_by":      updatedBy,
		"allow_cidrs":     prefixStrings(rules.AllowCIDRs),
		"allow_hosts":     rules.AllowHosts,
		"forbidden_kinds": rules.ForbiddenKinds,
	})
	if err := s.sink.Append(entry); err != nil {
		s.logger.Error("Failed to audit scope update", "error", err)
	}
	s.logger.Info("Scope rules replaced", "updated_by", updatedBy,
		"allow_cidrs", len(rules.AllowCIDRs), "allow_hosts", len(rules.AllowHosts))
	return nil
}

func prefixStrings(prefixes []netip.Prefix) []string {
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = p.String()
	}
	return out
}
