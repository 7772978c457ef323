package scope

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the YAML shape of a scope rule file.
type rulesFile struct {
	AllowCIDRs       []string `yaml:"allow_cidrs"`
	AllowHosts       []string `yaml:"allow_hosts"`
	AllowPorts       []uint16 `yaml:"allow_ports"`
	ForbiddenKinds   []string `yaml:"forbidden_kinds"`
	RequireAuthKinds []string `yaml:"require_auth_kinds"`
}

// LoadRules reads and validates a YAML scope rule file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses a YAML scope rule document.
func ParseRules(data []byte) (*Rules, error) {
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse scope rules: %w", err)
	}

	rules := &Rules{
		AllowHosts:       rf.AllowHosts,
		AllowPorts:       rf.AllowPorts,
		ForbiddenKinds:   rf.ForbiddenKinds,
		RequireAuthKinds: rf.RequireAuthKinds,
	}
	for _, c := range rf.AllowCIDRs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			// A bare address in the allow list is treated as a /32 (/128).
			addr, addrErr := netip.ParseAddr(c)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid allow_cidrs entry %q: %w", c, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		rules.AllowCIDRs = append(rules.AllowCIDRs, prefix.Masked())
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}
