package auth

import (
	"fmt"
	"sort"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required (role %s)", e.Permission, e.Role)
}

// CapabilityCheck reports whether role holds capability.
type CapabilityCheck func(role, capability string) bool

// Gate maps roles to capability sets. It is immutable after construction and
// safe for concurrent use.
type Gate struct {
	roles map[string]map[string]struct{}
}

// NewGate builds a gate from role -> capabilities.
func NewGate(roles map[string][]string) Gate {
	g := Gate{roles: make(map[string]map[string]struct{}, len(roles))}
	for role, caps := range roles {
		set := make(map[string]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		g.roles[role] = set
	}
	return g
}

// Allow is fail-closed: unknown roles and unknown capabilities deny.
func (g Gate) Allow(role, capability string) bool {
	if capability == "" {
		return false
	}
	set, ok := g.roles[role]
	if !ok {
		return false
	}
	_, ok = set[capability]
	return ok
}

// Require returns ForbiddenError when Allow denies.
func (g Gate) Require(role, capability string) error {
	if !g.Allow(role, capability) {
		return ForbiddenError{Role: role, Permission: capability}
	}
	return nil
}

// Capabilities returns the sorted capability list of role.
func (g Gate) Capabilities(role string) []string {
	set := g.roles[role]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Roles returns the known role ids, sorted.
func (g Gate) Roles() []string {
	out := make([]string, 0, len(g.roles))
	for r := range g.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Check adapts the gate to a CapabilityCheck.
func (g Gate) Check() CapabilityCheck {
	return g.Allow
}
