package graph

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

const DefaultAggregate = "all"

// Alias binds a name to targets and to other aliases. An aggregate alias has
// no members of its own: its target set is derived from the registry every
// time it is read.
type Alias struct {
	Name      string
	Targets   []string
	Aliases   []string
	Aggregate bool
}

type AliasRegistry struct {
	mu          sync.RWMutex
	targets     map[string]struct{}
	targetOrder []string
	aliases     map[string]*Alias
	aliasOrder  []string
}

func NewAliasRegistry() *AliasRegistry {
	return &AliasRegistry{
		targets: make(map[string]struct{}),
		aliases: make(map[string]*Alias),
	}
}

// RegisterTarget makes a target known to the registry, and therefore part of
// every aggregate alias.
func (r *AliasRegistry) RegisterTarget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerTarget(name)
}

func (r *AliasRegistry) registerTarget(name string) {
	if _, ok := r.targets[name]; ok {
		return
	}
	r.targets[name] = struct{}{}
	r.targetOrder = append(r.targetOrder, name)
}

func (r *AliasRegistry) alias(name string) *Alias {
	a, ok := r.aliases[name]
	if !ok {
		a = &Alias{Name: name}
		r.aliases[name] = a
		r.aliasOrder = append(r.aliasOrder, name)
	}
	return a
}

// Register adds targets and member aliases to the alias called name,
// creating it if needed. Registering the same name again extends it.
func (r *AliasRegistry) Register(name string, targets []string, aliases ...string) error {
	if name == "" {
		return fmt.Errorf("empty alias name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.alias(name)
	if a.Aggregate && (len(targets) > 0 || len(aliases) > 0) {
		return fmt.Errorf("alias %q is an aggregate and can't have explicit members", name)
	}
	for _, t := range targets {
		r.registerTarget(t)
		if !slices.Contains(a.Targets, t) {
			a.Targets = append(a.Targets, t)
		}
	}
	for _, m := range aliases {
		if m == name {
			return fmt.Errorf("%w: alias %q references itself", ErrAliasCycle, name)
		}
		if !slices.Contains(a.Aliases, m) {
			a.Aliases = append(a.Aliases, m)
		}
	}
	return nil
}

// Aggregate declares name as a catch-all alias.
func (r *AliasRegistry) Aggregate(name string) error {
	if name == "" {
		return fmt.Errorf("empty alias name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.alias(name)
	if len(a.Targets) > 0 || len(a.Aliases) > 0 {
		return fmt.Errorf("alias %q already has explicit members and can't become an aggregate", name)
	}
	a.Aggregate = true
	return nil
}

func (r *AliasRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.aliases[name]
	return ok
}

// Targets returns the sorted target names reachable from the alias.
func (r *AliasRegistry) Targets(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.aliases[name]; !ok {
		return nil, r.unknown(name)
	}
	set := make(map[string]struct{})
	if err := r.collect(name, set, nil); err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

// Expand resolves names (aliases or target names) to a sorted set of target
// names. No names means the default aggregate, or every registered target if
// there is none.
func (r *AliasRegistry) Expand(names ...string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		if _, ok := r.aliases[DefaultAggregate]; ok {
			names = []string{DefaultAggregate}
		} else {
			return sortedKeys(r.targets), nil
		}
	}

	set := make(map[string]struct{})
	for _, name := range names {
		if _, ok := r.aliases[name]; ok {
			if err := r.collect(name, set, nil); err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := r.targets[name]; ok {
			set[name] = struct{}{}
			continue
		}
		return nil, r.unknown(name)
	}
	return sortedKeys(set), nil
}

// collect adds the targets of alias name to set. path tracks the aliases
// currently being expanded.
func (r *AliasRegistry) collect(name string, set map[string]struct{}, path []string) error {
	if a, ok := r.aliases[name]; ok && a.Aggregate && slices.ContainsFunc(path, r.isAggregate) {
		// an aggregate is already being expanded, which covers everything
		return nil
	}
	if slices.Contains(path, name) {
		return fmt.Errorf("%w: %s", ErrAliasCycle, strings.Join(append(path, name), " -> "))
	}
	a, ok := r.aliases[name]
	if !ok {
		return r.unknown(name)
	}
	path = append(path, name)

	if a.Aggregate {
		for t := range r.targets {
			set[t] = struct{}{}
		}
		for _, other := range r.aliasOrder {
			// aliases already on the path are being expanded by a caller
			if r.aliases[other].Aggregate || slices.Contains(path, other) {
				continue
			}
			if err := r.collect(other, set, path); err != nil {
				return err
			}
		}
		return nil
	}

	for _, t := range a.Targets {
		set[t] = struct{}{}
	}
	for _, m := range a.Aliases {
		if err := r.collect(m, set, path); err != nil {
			return err
		}
	}
	return nil
}

func (r *AliasRegistry) isAggregate(name string) bool {
	a, ok := r.aliases[name]
	return ok && a.Aggregate
}

func (r *AliasRegistry) unknown(name string) error {
	known := slices.Clone(r.aliasOrder)
	slices.Sort(known)
	return &UnknownAliasError{Name: name, Known: known}
}

// Aliases returns copies of all aliases sorted by name.
func (r *AliasRegistry) Aliases() []Alias {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Alias, 0, len(r.aliases))
	for _, name := range r.aliasOrder {
		a := r.aliases[name]
		out = append(out, Alias{
			Name:      a.Name,
			Targets:   slices.Clone(a.Targets),
			Aliases:   slices.Clone(a.Aliases),
			Aggregate: a.Aggregate,
		})
	}
	slices.SortFunc(out, func(a, b Alias) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// TargetNames returns registered targets in registration order.
func (r *AliasRegistry) TargetNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.targetOrder)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
