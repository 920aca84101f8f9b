package graph

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/qobs-build/graft/internal/source"
	"go.uber.org/multierr"
)

type ObjectReport struct {
	Source   string          `json:"source"`
	Category source.Category `json:"category"`
	Object   string          `json:"object,omitempty"`
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
}

type TargetReport struct {
	Name      string       `json:"name"`
	Kind      string       `json:"kind,omitempty"`
	Output    string       `json:"output,omitempty"`
	Status    TargetStatus `json:"status"`
	Objects   []string     `json:"objects,omitempty"`
	Libraries []string     `json:"libraries,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Report is the diagnostic view of a finished graph: every attempted object
// and selected target, the alias expansions and all collected errors.
type Report struct {
	GraphID  string              `json:"graph_id"`
	Revision string              `json:"revision,omitempty"`
	Objects  []ObjectReport      `json:"objects"`
	Targets  []TargetReport      `json:"targets"`
	Aliases  map[string][]string `json:"aliases"`
	Errors   []string            `json:"errors,omitempty"`

	errs []error
}

func (g *Graph) report(errs []error) *Report {
	g.mu.Lock()
	pool := slices.Clone(g.pool)
	selected := slices.Clone(g.selected)
	g.mu.Unlock()

	r := &Report{
		GraphID: g.ID.String(),
		Aliases: make(map[string][]string),
		errs:    errs,
	}

	for _, f := range pool {
		or := ObjectReport{Source: f.Rel, Category: f.Category}
		obj, ok, err := g.cache.Lookup(f)
		switch {
		case !ok:
			or.Error = "not compiled"
		case err != nil:
			or.Error = err.Error()
		default:
			or.OK = true
			or.Object = obj.Path
		}
		r.Objects = append(r.Objects, or)
	}

	for _, name := range selected {
		status, err := g.Status(name)
		tr := TargetReport{Name: name, Status: status}
		if t, ok := g.Target(name); ok {
			tr.Kind = t.Kind.String()
			tr.Output = t.Output
			tr.Libraries = t.Libraries
			for _, obj := range t.Objects {
				tr.Objects = append(tr.Objects, obj.Source.Rel)
			}
		}
		if err != nil {
			tr.Error = err.Error()
		}
		r.Targets = append(r.Targets, tr)
	}

	for _, a := range g.aliases.Aliases() {
		targets, err := g.aliases.Targets(a.Name)
		if err != nil {
			r.errs = append(r.errs, err)
			continue
		}
		r.Aliases[a.Name] = targets
	}

	for _, err := range r.errs {
		r.Errors = append(r.Errors, err.Error())
	}
	return r
}

// Err combines every collected error, or returns nil for a clean build.
func (r *Report) Err() error {
	return multierr.Combine(r.errs...)
}

// Errs returns the collected errors in the order they were attributed.
func (r *Report) Errs() []error {
	return slices.Clone(r.errs)
}

// OK reports whether every selected target was linked.
func (r *Report) OK() bool {
	if len(r.errs) > 0 {
		return false
	}
	for _, t := range r.Targets {
		if t.Status != StatusLinked {
			return false
		}
	}
	return true
}

func (r *Report) Target(name string) (TargetReport, bool) {
	i := slices.IndexFunc(r.Targets, func(t TargetReport) bool { return t.Name == name })
	if i < 0 {
		return TargetReport{}, false
	}
	return r.Targets[i], true
}

func (r *Report) Object(rel string) (ObjectReport, bool) {
	i := slices.IndexFunc(r.Objects, func(o ObjectReport) bool { return o.Source == rel })
	if i < 0 {
		return ObjectReport{}, false
	}
	return r.Objects[i], true
}

// WriteJSON writes the report to path, creating parent directories.
func (r *Report) WriteJSON(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// MarkFailed records err against the whole build and downgrades every
// linked target to link_failed. It is used when linking is delegated to an
// external tool that failed after the graph itself finished.
func (r *Report) MarkFailed(err error) {
	if err == nil {
		return
	}
	r.errs = append(r.errs, err)
	r.Errors = append(r.Errors, err.Error())
	for i := range r.Targets {
		if r.Targets[i].Status == StatusLinked {
			r.Targets[i].Status = StatusLinkFailed
			r.Targets[i].Error = err.Error()
		}
	}
}
