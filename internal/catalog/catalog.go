// Package catalog resolves which actions a role may trigger on a screen.
package catalog

import (
	"sort"

	"actionline/internal/domain"
	"actionline/internal/engine/auth"
)

// Resolver holds the static per-screen action table. The table is copied on
// construction and never mutated, so a Resolver is safe for concurrent use.
type Resolver struct {
	screens    map[string][]domain.ActionDefinition
	order      []string
	maxActions int
}

// New builds a resolver. Table order within a scope is preserved and used to
// break priority ties.
func New(screens map[string][]domain.ActionDefinition, maxActions int) Resolver {
	r := Resolver{
		screens:    make(map[string][]domain.ActionDefinition, len(screens)),
		maxActions: maxActions,
	}
	for scope, defs := range screens {
		cp := make([]domain.ActionDefinition, len(defs))
		copy(cp, defs)
		for i := range cp {
			cp[i].ScreenScope = scope
		}
		r.screens[scope] = cp
		r.order = append(r.order, scope)
	}
	sort.Strings(r.order)
	return r
}

// MaxActions is the cap applied by Resolve.
func (r Resolver) MaxActions() int { return r.maxActions }

// Resolve returns the actions on screenScope that role may trigger, sorted by
// ascending priority and capped. Unknown scopes yield an empty list.
func (r Resolver) Resolve(screenScope, role string, check auth.CapabilityCheck) []domain.ActionDefinition {
	defs := r.screens[screenScope]
	out := make([]domain.ActionDefinition, 0, len(defs))
	for _, def := range defs {
		if check != nil && check(role, def.RequiredCapability) {
			out = append(out, def)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	if r.maxActions > 0 && len(out) > r.maxActions {
		out = out[:r.maxActions]
	}
	return out
}

// Lookup finds an action by id on screenScope. Only an empty scope searches
// every screen, in sorted scope order.
func (r Resolver) Lookup(screenScope, actionID string) (domain.ActionDefinition, bool) {
	if screenScope != "" {
		return find(r.screens[screenScope], actionID)
	}
	for _, scope := range r.order {
		if def, ok := find(r.screens[scope], actionID); ok {
			return def, true
		}
	}
	return domain.ActionDefinition{}, false
}

// Scopes lists the known screen scopes, sorted.
func (r Resolver) Scopes() []string {
	return append([]string(nil), r.order...)
}

// All returns every definition of screenScope in table order.
func (r Resolver) All(screenScope string) []domain.ActionDefinition {
	return append([]domain.ActionDefinition(nil), r.screens[screenScope]...)
}

func find(defs []domain.ActionDefinition, id string) (domain.ActionDefinition, bool) {
	for _, def := range defs {
		if def.ID == id {
			return def, true
		}
	}
	return domain.ActionDefinition{}, false
}
