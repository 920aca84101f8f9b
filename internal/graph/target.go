package graph

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/qobs-build/graft/internal/msg"
	"github.com/qobs-build/graft/internal/source"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind is the shape of a target.
type Kind int

const (
	// Program is library objects plus exactly one entry-point object.
	Program Kind = iota
	// TestRunner is library objects plus at least one test object, linked
	// against a unit-testing library.
	TestRunner
)

func (k Kind) String() string {
	switch k {
	case Program:
		return "program"
	case TestRunner:
		return "test_runner"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Target is a named executable linked from objects in the cache arena.
type Target struct {
	Name      string
	Kind      Kind
	Objects   []*ObjectArtifact
	Libraries []string
	Output    string
}

// ObjectPaths returns the object paths in link order.
func (t *Target) ObjectPaths() []string {
	paths := make([]string, len(t.Objects))
	for i, obj := range t.Objects {
		paths[i] = obj.Path
	}
	return paths
}

// Entry returns the entry-point object of a program target, or nil.
func (t *Target) Entry() *ObjectArtifact {
	for _, obj := range t.Objects {
		if obj.Source.Category == source.EntryPoint {
			return obj
		}
	}
	return nil
}

// contents lists objects and libraries in a comparable, diffable form.
func (t *Target) contents() []string {
	lines := make([]string, 0, len(t.Objects)+len(t.Libraries))
	for _, obj := range t.Objects {
		lines = append(lines, "object "+obj.Source.Rel)
	}
	for _, lib := range t.Libraries {
		lines = append(lines, "lib "+lib)
	}
	return lines
}

func categoryRank(c source.Category) int {
	switch c {
	case source.Library:
		return 0
	case source.Test:
		return 1
	default:
		return 2
	}
}

// newTarget validates the object set and puts it in canonical link order:
// library objects, then test objects, then the entry point, each group
// sorted by path. Input order therefore never changes the result.
func newTarget(name string, objects []*ObjectArtifact, libraries []string) (*Target, error) {
	if name == "" {
		return nil, invalidTargetf("empty target name")
	}

	seen := make(map[*ObjectArtifact]struct{}, len(objects))
	objs := make([]*ObjectArtifact, 0, len(objects))
	entries, tests := 0, 0
	for _, obj := range objects {
		if obj == nil {
			return nil, invalidTargetf("target %q references a nil object", name)
		}
		if _, dup := seen[obj]; dup {
			continue
		}
		seen[obj] = struct{}{}
		switch obj.Source.Category {
		case source.EntryPoint:
			entries++
		case source.Test:
			tests++
		}
		objs = append(objs, obj)
	}

	if len(objs) == 0 {
		return nil, invalidTargetf("target %q has no objects", name)
	}
	if entries > 1 {
		return nil, invalidTargetf("target %q has %d entry points, at most one is allowed", name, entries)
	}
	if entries == 1 && tests > 0 {
		return nil, invalidTargetf("target %q mixes an entry point with %d test objects", name, tests)
	}
	if entries == 0 && tests == 0 {
		return nil, invalidTargetf("target %q has neither an entry point nor test objects", name)
	}

	slices.SortStableFunc(objs, func(a, b *ObjectArtifact) int {
		return cmp.Or(
			cmp.Compare(categoryRank(a.Source.Category), categoryRank(b.Source.Category)),
			strings.Compare(a.Source.Rel, b.Source.Rel),
		)
	})

	libs := slices.Clone(libraries)
	slices.Sort(libs)
	libs = slices.Compact(libs)

	kind := TestRunner
	if entries == 1 {
		kind = Program
	}

	return &Target{
		Name:      name,
		Kind:      kind,
		Objects:   objs,
		Libraries: libs,
	}, nil
}

// outputName returns the executable file name for a target
func outputName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

// Assemble registers a target built from objects and libraries. Assembling
// the same name again with the same contents returns the existing target;
// different contents is a TargetRedefinitionError.
func (g *Graph) Assemble(name string, objects []*ObjectArtifact, libraries []string) (*Target, error) {
	if err := g.require(StageAssembling); err != nil {
		return nil, err
	}

	t, err := newTarget(name, objects, libraries)
	if err != nil {
		return nil, err
	}
	t.Output = filepath.Join(g.outDir, outputName(name))

	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.targets[name]; ok {
		if slices.Equal(old.contents(), t.contents()) {
			return old, nil
		}
		return nil, &TargetRedefinitionError{Name: name, Diff: diffLines(old.contents(), t.contents())}
	}

	g.targets[name] = t
	g.targetOrder = append(g.targetOrder, name)
	return t, nil
}

// Link hands an assembled target to the toolchain.
func (g *Graph) Link(ctx context.Context, t *Target) error {
	if err := g.require(StageAssembling); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &LinkError{Target: t.Name, Err: err}
	}

	msg.Log(ctx).Debug().Str("target", t.Name).Int("objects", len(t.Objects)).Msg("linking")

	err := g.tc.Link(ctx, LinkRequest{
		Target:    t.Name,
		Kind:      t.Kind,
		Output:    t.Output,
		Objects:   t.ObjectPaths(),
		Libraries: slices.Clone(t.Libraries),
	})
	if err != nil {
		return &LinkError{Target: t.Name, Err: err}
	}
	return nil
}

// diffLines renders a line diff of a and b, prefixing removed lines with "- "
// and added lines with "+ ".
func diffLines(a, b []string) string {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(strings.Join(a, "\n")+"\n", strings.Join(b, "\n")+"\n")
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(line)
		}
	}
	return sb.String()
}
