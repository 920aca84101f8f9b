package graph

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/multierr"
)

// TargetSpec declares a target before anything is resolved. Sources are
// glob patterns; Entry names the single entry-point file of a program.
// A spec without Entry produces a test runner.
type TargetSpec struct {
	Name      string
	Sources   []string
	Entry     string
	Libraries []string
}

// AliasSpec declares an alias over targets and other aliases, or a catch-all
// aggregate when Aggregate is set.
type AliasSpec struct {
	Name      string
	Targets   []string
	Aliases   []string
	Aggregate bool
}

// Plan is the declared build: which targets exist and which aliases point
// at them.
type Plan struct {
	Targets []TargetSpec
	Aliases []AliasSpec
}

func (p *Plan) Target(name string) (TargetSpec, bool) {
	i := slices.IndexFunc(p.Targets, func(t TargetSpec) bool { return t.Name == name })
	if i < 0 {
		return TargetSpec{}, false
	}
	return p.Targets[i], true
}

// Validate checks that target names are unique and non-empty, that every
// target has inputs and that aliases only reference declared targets.
func (p *Plan) Validate() error {
	var errs []error
	names := make(map[string]struct{}, len(p.Targets))
	for _, t := range p.Targets {
		if t.Name == "" {
			errs = append(errs, invalidTargetf("target with empty name"))
			continue
		}
		if _, dup := names[t.Name]; dup {
			errs = append(errs, invalidTargetf("target %q declared more than once", t.Name))
		}
		names[t.Name] = struct{}{}
		if len(t.Sources) == 0 && t.Entry == "" {
			errs = append(errs, invalidTargetf("target %q has no sources and no entry point", t.Name))
		}
	}

	for _, a := range p.Aliases {
		if a.Name == "" {
			errs = append(errs, errors.New("alias with empty name"))
			continue
		}
		if a.Aggregate && (len(a.Targets) > 0 || len(a.Aliases) > 0) {
			errs = append(errs, fmt.Errorf("aggregate alias %q can't list members", a.Name))
		}
		for _, t := range a.Targets {
			if _, ok := names[t]; !ok {
				errs = append(errs, fmt.Errorf("alias %q references unknown target %q", a.Name, t))
			}
		}
	}
	return multierr.Combine(errs...)
}

// Registry builds an alias registry holding every declared target and alias.
func (p *Plan) Registry() (*AliasRegistry, error) {
	r := NewAliasRegistry()
	for _, t := range p.Targets {
		r.RegisterTarget(t.Name)
	}
	if err := registerAliases(r, p.Aliases, nil); err != nil {
		return nil, err
	}
	return r, nil
}

// registerAliases registers aliases into r. If keep is non-nil, targets not
// in keep are left out.
func registerAliases(r *AliasRegistry, aliases []AliasSpec, keep map[string]struct{}) error {
	// aggregates last, so that they are computed over everything else
	var aggregates []string
	for _, a := range aliases {
		if a.Aggregate {
			aggregates = append(aggregates, a.Name)
			continue
		}
		targets := a.Targets
		if keep != nil {
			targets = slices.DeleteFunc(slices.Clone(targets), func(t string) bool {
				_, ok := keep[t]
				return !ok
			})
		}
		if err := r.Register(a.Name, targets, a.Aliases...); err != nil {
			return err
		}
	}
	for _, name := range aggregates {
		if err := r.Aggregate(name); err != nil {
			return err
		}
	}
	return nil
}

// Select returns the specs of the targets reachable from names, in
// declaration order. No names selects the default aggregate.
func (p *Plan) Select(names ...string) ([]TargetSpec, error) {
	r, err := p.Registry()
	if err != nil {
		return nil, err
	}
	wanted, err := r.Expand(names...)
	if err != nil {
		return nil, err
	}

	var specs []TargetSpec
	for _, t := range p.Targets {
		if _, ok := slices.BinarySearch(wanted, t.Name); ok {
			specs = append(specs, t)
		}
	}
	return specs, nil
}
