package gen

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/qobs-build/graft/internal/graph"
	"github.com/qobs-build/graft/internal/msg"
)

// ninjaObject is a single source file and its corresponding object file path
type ninjaObject struct {
	src   string
	obj   string
	isCxx bool
}

// ninjaTarget is a single executable to be linked
type ninjaTarget struct {
	name    string
	output  string
	objects []string
	libs    []string
}

// Ninja records the graph's compile and link requests instead of running
// them, and writes them out as build.ninja.
type Ninja struct {
	cc, cxx string
	cflags  []string
	libs    []string

	mu      sync.Mutex
	objects map[string]ninjaObject // object path -> source
	targets map[string]ninjaTarget
	aliases map[string][]string
}

func NewNinja() *Ninja {
	return &Ninja{
		objects: make(map[string]ninjaObject),
		targets: make(map[string]ninjaTarget),
		aliases: make(map[string][]string),
	}
}

func (g *Ninja) SetCompiler(cc, cxx string) {
	g.cc, g.cxx = cc, cxx
}

func (g *Ninja) SetFlags(cflags, libs []string) {
	g.cflags, g.libs = slices.Clone(cflags), slices.Clone(libs)
}

func (g *Ninja) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ")

func quote(s string) string { return ninjaPathEscaper.Replace(filepath.ToSlash(s)) }

func (g *Ninja) Compile(ctx context.Context, req graph.CompileRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[req.Object] = ninjaObject{src: req.Source.Path, obj: req.Object, isCxx: req.Source.IsCxx()}
	return nil
}

func (g *Ninja) Link(ctx context.Context, req graph.LinkRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targets[req.Target] = ninjaTarget{
		name:    req.Target,
		output:  req.Output,
		objects: slices.Clone(req.Objects),
		libs:    slices.Clone(req.Libraries),
	}
	return nil
}

// AddAlias adds a phony edge named after the alias. Aliases that would
// shadow a real output are skipped, the output itself can be requested.
func (g *Ninja) AddAlias(name string, targets []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aliases[name] = slices.Clone(targets)
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t\"'$") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = strings.ReplaceAll(a, "$", "$$")
	}
	return strings.Join(quoted, " ")
}

func (g *Ninja) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var sb strings.Builder

	writeln(&sb, "ninja_required_version = 1.3")
	writeln(&sb, "cflags = ", shellJoin(g.cflags))
	writeln(&sb, "cc = ", g.cc)
	writeln(&sb, "cxx = ", g.cxx)
	writeln(&sb)

	// gen rules
	write(&sb,
		`rule cc
  command = $cc $cflags -MMD -MF $out.d -c $in -o $out
  depfile = $out.d
  deps = gcc
  description = CC $in
`)
	write(&sb,
		`rule cxx
  command = $cxx $cflags -MMD -MF $out.d -c $in -o $out
  depfile = $out.d
  deps = gcc
  description = CXX $in
`)
	write(&sb,
		`rule link
  command = $linker -o $out $in $libs
  description = LINK $out
`)
	writeln(&sb)

	// build object files
	for _, objPath := range sortedMapKeys(g.objects) {
		obj := g.objects[objPath]
		rule := "cc"
		if obj.isCxx {
			rule = "cxx"
		}
		writeln(&sb, "build ", quote(obj.obj), ": ", rule, " ", quote(obj.src))
	}
	writeln(&sb)

	// link
	outputs := make(map[string]string, len(g.targets)) // target -> output
	for _, name := range sortedMapKeys(g.targets) {
		target := g.targets[name]
		outputs[name] = quote(target.output)

		write(&sb, "build ", quote(target.output), ": link")
		for _, obj := range target.objects {
			write(&sb, " ", quote(obj))
		}
		writeln(&sb)

		linker := "$cc"
		if hasCxx(target.objects) {
			linker = "$cxx"
		}
		writeln(&sb, "  linker = ", linker)

		var libs []string
		for _, lib := range slices.Concat(target.libs, g.libs) {
			libs = append(libs, "-l"+lib)
		}
		if len(libs) > 0 {
			writeln(&sb, "  libs = ", shellJoin(libs))
		}
	}
	writeln(&sb)

	// aliases
	taken := make(map[string]bool, len(outputs))
	for _, out := range outputs {
		taken[out] = true
	}
	for _, name := range sortedMapKeys(g.aliases) {
		if taken[quote(name)] {
			msg.Warn("alias %q has the same name as an output, not adding a phony rule", name)
			continue
		}
		write(&sb, "build ", quote(name), ": phony")
		for _, t := range g.aliases[name] {
			if out, ok := outputs[t]; ok {
				write(&sb, " ", out)
			}
		}
		writeln(&sb)
	}

	return sb.String()
}

// Invoke runs ninja on the generated file, building the default targets.
func (g *Ninja) Invoke(ctx context.Context, buildDir string) error {
	cmd := exec.CommandContext(ctx, "ninja", "-C", buildDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
