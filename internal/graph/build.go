package graph

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/qobs-build/graft/internal/msg"
	"github.com/qobs-build/graft/internal/source"
	"golang.org/x/sync/errgroup"
)

// Build runs the whole graph lifecycle for the targets reachable from names
// (the default aggregate if none are given) and returns a report of every
// object and target. The returned error is non-nil if any selected target
// could not be built; the report is returned either way once resolution has
// started.
func (g *Graph) Build(ctx context.Context, res *source.Resolver, plan *Plan, names ...string) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	selected, err := plan.Select(names...)
	if err != nil {
		return nil, err
	}
	log := msg.Log(ctx)

	// resolve sources for every selected target
	if err := g.Advance(StageResolving); err != nil {
		return nil, err
	}
	var errs []error
	inputs := make(map[string][]source.File, len(selected))
	seen := make(map[string]struct{})
	var pool []source.File

	for _, spec := range selected {
		files, err := resolveSpec(res, spec)
		if err != nil {
			errs = append(errs, err)
			g.setStatus(spec.Name, StatusUnbuildable, err)
			g.emit(Event{Kind: EventSkip, Name: spec.Name, Err: err})
			continue
		}
		inputs[spec.Name] = files
		for _, f := range files {
			if _, ok := seen[f.Path]; ok {
				continue
			}
			seen[f.Path] = struct{}{}
			pool = append(pool, f)
		}
	}

	g.mu.Lock()
	for _, spec := range selected {
		g.selected = append(g.selected, spec.Name)
	}
	g.pool = pool
	g.mu.Unlock()
	log.Debug().Int("targets", len(selected)).Int("sources", len(pool)).Msg("resolved sources")
	g.emit(Event{Kind: EventResolved, Total: len(pool) + len(inputs)})

	// compile each unique source once
	if err := g.Advance(StageCompiling); err != nil {
		return nil, err
	}
	runJobs(pool, g.jobs, func(f source.File) {
		_, err := g.Compile(ctx, f)
		g.emit(Event{Kind: EventCompile, Name: f.Rel, Err: err})
	})
	for _, ce := range g.cache.Failures() {
		errs = append(errs, ce)
	}

	// assemble and link; a target with a failed object is never linked
	if err := g.Advance(StageAssembling); err != nil {
		return nil, err
	}
	var toLink []*Target
	for _, spec := range selected {
		files, ok := inputs[spec.Name]
		if !ok {
			continue
		}
		objs, failed := g.objectsFor(files)
		if len(failed) > 0 {
			err := fmt.Errorf("%w: %s depends on failed objects %s", ErrUnbuildable, spec.Name, strings.Join(failed, ", "))
			g.setStatus(spec.Name, StatusUnbuildable, err)
			g.emit(Event{Kind: EventSkip, Name: spec.Name, Err: err})
			log.Warn().Str("target", spec.Name).Strs("failed", failed).Msg("skipping target")
			continue
		}
		t, err := g.Assemble(spec.Name, objs, spec.Libraries)
		if err != nil {
			err = fmt.Errorf("assemble %s: %w", spec.Name, err)
			errs = append(errs, err)
			g.setStatus(spec.Name, StatusUnbuildable, err)
			g.emit(Event{Kind: EventSkip, Name: spec.Name, Err: err})
			continue
		}
		toLink = append(toLink, t)
	}

	linkErrs := make([]error, len(toLink))
	runJobs(indices(len(toLink)), g.jobs, func(i int) {
		t := toLink[i]
		err := g.Link(ctx, t)
		if err != nil {
			g.setStatus(t.Name, StatusLinkFailed, err)
		} else {
			g.setStatus(t.Name, StatusLinked, nil)
		}
		linkErrs[i] = err
		g.emit(Event{Kind: EventLink, Name: t.Name, Err: err})
	})
	for _, err := range linkErrs {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// aliases over the selected targets; the aggregate is registered last
	if err := g.Advance(StageAliasing); err != nil {
		return nil, err
	}
	keep := make(map[string]struct{}, len(selected))
	for _, spec := range selected {
		g.aliases.RegisterTarget(spec.Name)
		keep[spec.Name] = struct{}{}
	}
	if err := registerAliases(g.aliases, plan.Aliases, keep); err != nil {
		errs = append(errs, err)
	}

	if err := g.Advance(StageReady); err != nil {
		return nil, err
	}

	report := g.report(errs)
	log.Debug().Str("graph", g.ID.String()).Int("errors", len(errs)).Msg("build graph ready")
	return report, report.Err()
}

// resolveSpec lists the sources of one target. Entry points only come from
// spec.Entry; globbed entry-point files are left out so that shared pools
// never carry a program's main.
func resolveSpec(res *source.Resolver, spec TargetSpec) ([]source.File, error) {
	files, err := res.Glob(spec.Sources...)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", spec.Name, err)
	}
	files = slices.DeleteFunc(files, func(f source.File) bool {
		return f.Category == source.EntryPoint
	})

	if spec.Entry != "" {
		entry, err := res.Entry(spec.Entry)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", spec.Name, err)
		}
		if entry.Category != source.EntryPoint {
			return nil, fmt.Errorf("target %s: %w", spec.Name,
				invalidTargetf("entry %s does not have the entry-point extension", entry.Rel))
		}
		files = append(files, entry)
	}
	return files, nil
}

// objectsFor collects the cached artifacts for files. It never compiles:
// by the time targets are assembled every object is already final.
func (g *Graph) objectsFor(files []source.File) (objs []*ObjectArtifact, failed []string) {
	for _, f := range files {
		obj, ok, err := g.cache.Lookup(f)
		if !ok || err != nil {
			failed = append(failed, f.Rel)
			continue
		}
		objs = append(objs, obj)
	}
	return objs, failed
}

// runJobs runs jobfunc over jobs on at most limit goroutines. Jobs report
// their own failures, so one failing job never cancels the others.
func runJobs[T any](jobs []T, limit int, jobfunc func(job T)) {
	if len(jobs) == 0 {
		return
	}

	var eg errgroup.Group
	eg.SetLimit(limit)

	for _, job := range jobs {
		eg.Go(func() error {
			jobfunc(job)
			return nil
		})
	}

	_ = eg.Wait()
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
