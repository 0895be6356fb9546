// Package rbac resolves permissions across a single-parent role hierarchy
// and evaluates conditional grants against a request context. Role data is
// process-wide reference data: validated once at construction, immutable at
// request time, and evaluated without any I/O.
package rbac

import (
	"errors"
	"fmt"
	"sort"
)

// Action classifies what a permission allows on its resource type.
type Action string

const (
	// ActionCreate allows creating resources of the permission's type.
	ActionCreate Action = "create"
	// ActionRead allows reading.
	ActionRead Action = "read"
	// ActionUpdate allows updating.
	ActionUpdate Action = "update"
	// ActionDelete allows deleting.
	ActionDelete Action = "delete"
	// ActionManage allows administrative operations on the resource type.
	ActionManage Action = "manage"
)

// Denial reasons carried by [Decision]. Callers present a uniform
// "forbidden"; the specific reason is for audit logs only.
const (
	ReasonNoMatchingPermission = "no_matching_permission"
	ReasonConditionNotMet      = "condition_not_met"
)

// ErrInvalidRoleHierarchy is returned by [New] for cyclic or dangling parent
// chains. This is fatal at configuration load, never at request time.
var ErrInvalidRoleHierarchy = errors.New("invalid role hierarchy")

// Context carries the request attributes conditions evaluate against.
// Conventional keys: "subject_id" (the authenticated user) and resource
// attributes such as "owner_id". Conditions never see global state.
type Context map[string]string

// Condition is a predicate attached to a permission. A permission with a
// condition grants only when the condition holds for the request context.
type Condition interface {
	// Describe names the condition for audit output.
	Describe() string
	// Holds evaluates the condition against the request context.
	Holds(ctx Context) bool
}

// FieldEquals is the workhorse condition: it requires two context fields to
// be equal and non-empty, e.g. FieldEquals{"owner_id", "subject_id"} for
// "edit own" grants.
type FieldEquals struct {
	Field string
	Other string
}

// Describe implements [Condition].
func (c FieldEquals) Describe() string {
	return fmt.Sprintf("%s == %s", c.Field, c.Other)
}

// Holds implements [Condition].
func (c FieldEquals) Holds(ctx Context) bool {
	a, okA := ctx[c.Field]
	b, okB := ctx[c.Other]
	return okA && okB && a != "" && a == b
}

// Permission grants an action on a resource type, optionally gated by a
// condition.
type Permission struct {
	Name      string
	Action    Action
	Resource  string
	Condition Condition
}

// Role names a set of directly assigned permissions and at most one parent
// role whose grants it inherits.
type Role struct {
	Name        string
	Parent      string
	Permissions []Permission
}

// Decision is the outcome of [Engine.Check]. Reason is set only on denial.
type Decision struct {
	Allow      bool
	Reason     string
	Permission string
}

type permKey struct {
	action   Action
	resource string
}

// Engine holds the resolved hierarchy. Immutable after New.
type Engine struct {
	roles map[string]Role
	// resolved maps role name to its effective (action, resource) grants,
	// child definitions shadowing parent ones.
	resolved map[string]map[permKey]Permission
}

// New validates the hierarchy and precomputes effective permissions per
// role. A parent reference to an unknown role or any cycle fails with
// [ErrInvalidRoleHierarchy].
func New(roles []Role) (*Engine, error) {
	byName := make(map[string]Role, len(roles))
	for _, r := range roles {
		if r.Name == "" {
			return nil, fmt.Errorf("%w: unnamed role", ErrInvalidRoleHierarchy)
		}
		if _, dup := byName[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate role %q", ErrInvalidRoleHierarchy, r.Name)
		}
		byName[r.Name] = r
	}

	resolved := make(map[string]map[permKey]Permission, len(roles))
	for name := range byName {
		chain, err := parentChain(byName, name)
		if err != nil {
			return nil, err
		}
		effective := make(map[permKey]Permission)
		// Walk root-most ancestor first so child definitions for the same
		// (action, resource) pair take precedence.
		for i := len(chain) - 1; i >= 0; i-- {
			for _, p := range byName[chain[i]].Permissions {
				effective[permKey{p.Action, p.Resource}] = p
			}
		}
		resolved[name] = effective
	}

	return &Engine{roles: byName, resolved: resolved}, nil
}

// parentChain returns role and its ancestors, child first.
func parentChain(byName map[string]Role, name string) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: cycle through role %q", ErrInvalidRoleHierarchy, cur)
		}
		seen[cur] = true
		role, ok := byName[cur]
		if !ok {
			return nil, fmt.Errorf("%w: unknown parent role %q", ErrInvalidRoleHierarchy, cur)
		}
		chain = append(chain, cur)
		cur = role.Parent
	}
	return chain, nil
}

// EffectivePermissions unions the resolved grants of the given roles.
// Unknown role names contribute nothing. The result is sorted by name for
// stable output.
func (e *Engine) EffectivePermissions(roles []string) []Permission {
	merged := make(map[permKey]Permission)
	for _, name := range roles {
		for k, p := range e.resolved[name] {
			if _, exists := merged[k]; !exists {
				merged[k] = p
			}
		}
	}
	out := make([]Permission, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Check evaluates whether the role set allows action on resource under ctx.
// Absence of any matching permission denies; a matching permission with a
// condition allows only when the condition holds. There is no implicit
// allow.
func (e *Engine) Check(roles []string, action Action, resource string, ctx Context) Decision {
	key := permKey{action, resource}
	matched := false
	var conditional Permission
	for _, name := range roles {
		p, ok := e.resolved[name][key]
		if !ok {
			continue
		}
		matched = true
		if p.Condition == nil {
			return Decision{Allow: true, Permission: p.Name}
		}
		if p.Condition.Holds(ctx) {
			return Decision{Allow: true, Permission: p.Name}
		}
		conditional = p
	}
	if !matched {
		return Decision{Reason: ReasonNoMatchingPermission}
	}
	return Decision{Reason: ReasonConditionNotMet, Permission: conditional.Name}
}

// Roles returns the configured role names, sorted.
func (e *Engine) Roles() []string {
	out := make([]string, 0, len(e.roles))
	for name := range e.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasRole reports whether a role is configured.
func (e *Engine) HasRole(name string) bool {
	_, ok := e.roles[name]
	return ok
}
