package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/qobs-build/graft/internal/graph"
	"github.com/qobs-build/graft/internal/msg"
	"github.com/rotisserie/eris"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

func init() {
	// scripts branch on target_os at the top level
	resolve.AllowGlobalReassign = true
}

// SourceSet is the value returned by glob(): an ordered set of source
// patterns, resolved when the graph is built. Sets can be added together.
type SourceSet []string

func (s SourceSet) String() string {
	quoted := make([]string, len(s))
	for i, p := range s {
		quoted[i] = starlark.String(p).String()
	}
	return "glob(" + strings.Join(quoted, ", ") + ")"
}

func (s SourceSet) Type() string          { return "sources" }
func (s SourceSet) Freeze()               {}
func (s SourceSet) Truth() starlark.Bool  { return len(s) > 0 }
func (s SourceSet) Hash() (uint32, error) { return 0, eris.New("sources is not a hashable type") }

// Binary implements `sources + sources`.
func (s SourceSet) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	other, ok := y.(SourceSet)
	if op != syntax.PLUS || !ok {
		return nil, nil // unhandled
	}
	if side == starlark.Left {
		return mergeSources(s, other), nil
	}
	return mergeSources(other, s), nil
}

func mergeSources(sets ...SourceSet) SourceSet {
	var out SourceSet
	for _, set := range sets {
		for _, p := range set {
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// TargetRef is the value returned by program() and test_runner().
type TargetRef string

func (t TargetRef) String() string        { return fmt.Sprintf("<target %s>", string(t)) }
func (t TargetRef) Type() string          { return "target" }
func (t TargetRef) Freeze()               {}
func (t TargetRef) Truth() starlark.Bool  { return true }
func (t TargetRef) Hash() (uint32, error) { return starlark.String(t).Hash() }

type scriptCtx struct {
	plan graph.Plan
	// alias name -> members, strings are sorted out once every target is known
	pending map[string]*aliasMembers
	order   []string
}

type aliasMembers struct {
	targets []string
	names   []string
}

func getScriptCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

func (c *scriptCtx) declared(name string) bool {
	_, ok := c.plan.Target(name)
	return ok
}

// * Builtin functions

func starGlob(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	set := make(SourceSet, 0, len(args))
	for idx, arg := range args {
		pat, ok := starlark.AsString(arg)
		if !ok {
			return nil, eris.Errorf("%s: argument %d is a %s, expected a string", fn.Name(), idx, arg.Type())
		}
		if !slices.Contains(set, pat) {
			set = append(set, pat)
		}
	}
	return set, nil
}

// objectPatterns flattens a list of source sets and plain patterns.
func objectPatterns(fnName string, objects *starlark.List) ([]string, error) {
	if objects == nil {
		return nil, nil
	}
	var sets []SourceSet
	iter := objects.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case SourceSet:
			sets = append(sets, value)
		case starlark.String:
			sets = append(sets, SourceSet{value.GoString()})
		default:
			return nil, eris.Errorf("%s: objects can only contain glob() results and strings, found %s", fnName, item.Type())
		}
	}
	return mergeSources(sets...), nil
}

func declareTarget(thread *starlark.Thread, fnName string, spec graph.TargetSpec) (starlark.Value, error) {
	ctx := getScriptCtx(thread)
	if spec.Name == "" {
		return nil, eris.Errorf("%s: empty target name", fnName)
	}
	if ctx.declared(spec.Name) {
		return nil, eris.Errorf("%s: target %q is already declared", fnName, spec.Name)
	}
	ctx.plan.Targets = append(ctx.plan.Targets, spec)
	return TargetRef(spec.Name), nil
}

func starProgram(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, entry string
	var objects, libs *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "entry", &entry, "objects?", &objects, "libs?", &libs)
	if err != nil {
		return nil, err
	}

	spec := graph.TargetSpec{Name: name, Entry: entry}
	if spec.Sources, err = objectPatterns(fn.Name(), objects); err != nil {
		return nil, err
	}
	if spec.Libraries, err = starlarkIterable2stringSlice(libs, "libs"); err != nil {
		return nil, err
	}
	return declareTarget(thread, fn.Name(), spec)
}

func starTestRunner(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var objects, libs *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "objects", &objects, "libs?", &libs)
	if err != nil {
		return nil, err
	}

	spec := graph.TargetSpec{Name: name}
	if spec.Sources, err = objectPatterns(fn.Name(), objects); err != nil {
		return nil, err
	}
	if len(spec.Sources) == 0 {
		return nil, eris.Errorf("%s: %q has no objects", fn.Name(), name)
	}
	if spec.Libraries, err = starlarkIterable2stringSlice(libs, "libs"); err != nil {
		return nil, err
	}
	return declareTarget(thread, fn.Name(), spec)
}

func starAlias(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}
	if len(args) < 1 {
		return nil, eris.Errorf("%s: expects a name", fn.Name())
	}
	name, ok := starlark.AsString(args[0])
	if !ok || name == "" {
		return nil, eris.Errorf("%s: the name must be a non-empty string", fn.Name())
	}

	ctx := getScriptCtx(thread)
	members, seen := ctx.pending[name]
	if !seen {
		members = new(aliasMembers)
		ctx.pending[name] = members
		ctx.order = append(ctx.order, name)
	}

	var add func(v starlark.Value) error
	add = func(v starlark.Value) error {
		switch value := v.(type) {
		case TargetRef:
			members.targets = append(members.targets, string(value))
		case starlark.String:
			members.names = append(members.names, value.GoString())
		case *starlark.List:
			for i := range value.Len() {
				if err := add(value.Index(i)); err != nil {
					return err
				}
			}
		default:
			return eris.Errorf("%s: can't add a %s to alias %q", fn.Name(), v.Type(), name)
		}
		return nil
	}
	for _, member := range args[1:] {
		if err := add(member); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func starAggregate(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	ctx := getScriptCtx(thread)
	if slices.ContainsFunc(ctx.plan.Aliases, func(a graph.AliasSpec) bool { return a.Name == name }) {
		return nil, eris.Errorf("%s: %q is already an aggregate", fn.Name(), name)
	}
	ctx.plan.Aliases = append(ctx.plan.Aliases, graph.AliasSpec{Name: name, Aggregate: true})
	return starlark.None, nil
}

func starGetenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, def string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}
	if value, ok := os.LookupEnv(key); ok {
		return starlark.String(value), nil
	}
	return starlark.String(def), nil
}

func starlarkIterable2stringSlice(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return nil, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// LoadScript executes a build script and returns the targets and aliases it
// declares. Plain strings passed to alias() name a target when one with that
// name is declared anywhere in the script, and another alias otherwise.
func LoadScript(ctx context.Context, filename string) (*graph.Plan, error) {
	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read build script")
	}

	builtins := starlark.StringDict{
		"target_os":   starlark.String(runtime.GOOS),
		"target_arch": starlark.String(runtime.GOARCH),
		"glob":        starlark.NewBuiltin("glob", starGlob),
		"program":     starlark.NewBuiltin("program", starProgram),
		"test_runner": starlark.NewBuiltin("test_runner", starTestRunner),
		"alias":       starlark.NewBuiltin("alias", starAlias),
		"aggregate":   starlark.NewBuiltin("aggregate", starAggregate),
		"getenv":      starlark.NewBuiltin("getenv", starGetenv),
	}

	name := filepath.Base(filename)
	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, text string) {
			pos := thread.CallFrame(1).Pos
			msg.Log(ctx).Info().Str("script", name).Msgf("%d:%d: %s", pos.Line, pos.Col, text)
		},
	}
	sctx := &scriptCtx{pending: make(map[string]*aliasMembers)}
	thread.SetLocal("scriptCtx", sctx)

	if _, err := starlark.ExecFile(thread, name, script, builtins); err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.Errorf("failed to execute %s:\n%s", name, evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed to execute %s", name)
	}

	plan := sctx.plan
	var aliases []graph.AliasSpec
	for _, alias := range sctx.order {
		members := sctx.pending[alias]
		spec := graph.AliasSpec{Name: alias, Targets: slices.Clone(members.targets)}
		for _, member := range members.names {
			if sctx.declared(member) {
				spec.Targets = append(spec.Targets, member)
			} else {
				spec.Aliases = append(spec.Aliases, member)
			}
		}
		aliases = append(aliases, spec)
	}
	// aggregates declared in the script go last
	plan.Aliases = append(aliases, plan.Aliases...)

	msg.Log(ctx).Debug().Str("script", name).Int("targets", len(plan.Targets)).Int("aliases", len(plan.Aliases)).Msg("loaded build script")
	return &plan, nil
}
