package graph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/qobs-build/graft/internal/source"
	"github.com/stretchr/testify/require"
)

// stubToolchain counts invocations and fails the sources and targets it is
// told to. Objects record the symbols their source defines ("def x") and
// uses ("use y"); Link resolves every use against the linked objects.
type stubToolchain struct {
	mu         sync.Mutex
	compiles   map[string]int // source rel -> count
	links      map[string]int // target -> count
	linkOrder  map[string][]string
	resolved   map[string][]string // target -> "use=object" pairs
	symbols    map[string]objSymbols
	failSource map[string]bool
	failLink   map[string]bool
	onCompile  func(req CompileRequest)
}

type objSymbols struct {
	defs []string
	uses []string
}

func newStub() *stubToolchain {
	return &stubToolchain{
		compiles:   make(map[string]int),
		links:      make(map[string]int),
		linkOrder:  make(map[string][]string),
		resolved:   make(map[string][]string),
		symbols:    make(map[string]objSymbols),
		failSource: make(map[string]bool),
		failLink:   make(map[string]bool),
	}
}

func (s *stubToolchain) Compile(ctx context.Context, req CompileRequest) error {
	if s.onCompile != nil {
		s.onCompile(req)
	}
	syms, err := readSymbols(req.Source.Path)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.compiles[req.Source.Rel]++
	if s.failSource[req.Source.Rel] {
		return fmt.Errorf("%s:1: error: expected ';'", req.Source.Rel)
	}
	if err != nil {
		return err
	}
	s.symbols[req.Object] = syms
	return nil
}

func (s *stubToolchain) Link(ctx context.Context, req LinkRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[req.Target]++
	s.linkOrder[req.Target] = slices.Clone(req.Objects)
	if s.failLink[req.Target] {
		return errors.New("undefined reference to `main'")
	}

	defined := make(map[string]string)
	for _, obj := range req.Objects {
		for _, d := range s.symbols[obj].defs {
			if prev, dup := defined[d]; dup {
				return fmt.Errorf("duplicate symbol %s in %s and %s", d, prev, obj)
			}
			defined[d] = filepath.Base(obj)
		}
	}
	var pairs []string
	for _, obj := range req.Objects {
		for _, u := range s.symbols[obj].uses {
			def, ok := defined[u]
			if !ok {
				return fmt.Errorf("undefined reference to %s", u)
			}
			pairs = append(pairs, u+"="+def)
		}
	}
	slices.Sort(pairs)
	s.resolved[req.Target] = pairs
	return nil
}

func (s *stubToolchain) compileCount(rel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compiles[rel]
}

func (s *stubToolchain) totalCompiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.compiles {
		n += c
	}
	return n
}

func (s *stubToolchain) linkCount(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[target]
}

func readSymbols(path string) (objSymbols, error) {
	var syms objSymbols
	f, err := os.Open(path)
	if err != nil {
		return syms, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		kind, name, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok {
			continue
		}
		switch kind {
		case "def":
			syms.defs = append(syms.defs, name)
		case "use":
			syms.uses = append(syms.uses, name)
		}
	}
	return syms, sc.Err()
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// smallsTree lays out the project the original SCons script builds: three
// library files, two entry points and a tests directory.
func smallsTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "utf-8.cpp", "def utf8_decode\n")
	writeFile(t, dir, "lexer.cpp", "def lex\nuse utf8_decode\n")
	writeFile(t, dir, "SymbolTable.cpp", "def intern\n")
	writeFile(t, dir, "bench-utf8.cxx", "def main\nuse utf8_decode\n")
	writeFile(t, dir, "scheme-play.cxx", "def main\nuse lex\nuse intern\n")
	writeFile(t, dir, "tests/TestLexer.cpp", "def test_lexer\nuse lex\n")
	writeFile(t, dir, "tests/TestUTF8.cpp", "def test_utf8\nuse utf8_decode\n")
	return dir
}

func smallsPlan() *Plan {
	return &Plan{
		Targets: []TargetSpec{
			{Name: "bench-utf8", Entry: "bench-utf8.cxx", Sources: []string{"*.cpp"}},
			{Name: "scheme-play", Entry: "scheme-play.cxx", Sources: []string{"*.cpp"}},
			{Name: "test-smalls", Sources: []string{"*.cpp", "tests/*.cpp"}, Libraries: []string{"cppunit"}},
		},
		Aliases: []AliasSpec{
			{Name: "bench-utf8", Targets: []string{"bench-utf8"}},
			{Name: "scheme-play", Targets: []string{"scheme-play"}},
			{Name: "tests", Targets: []string{"test-smalls"}},
			{Name: "all", Aggregate: true},
		},
	}
}

func newTestGraph(t *testing.T, tc Toolchain) *Graph {
	t.Helper()
	return New(tc, Options{OutDir: t.TempDir(), Jobs: 4})
}

func advanceTo(t *testing.T, g *Graph, to Stage) {
	t.Helper()
	for g.Stage() < to {
		require.NoError(t, g.Advance(g.Stage()+1))
	}
}

func resolver(t *testing.T, dir string) *source.Resolver {
	t.Helper()
	r, err := source.NewResolver(dir)
	require.NoError(t, err)
	return r
}

// compileAll resolves patterns and compiles every match through g, which
// must be in the compiling stage.
func compileAll(t *testing.T, g *Graph, r *source.Resolver, patterns ...string) []*ObjectArtifact {
	t.Helper()
	files, err := r.Glob(patterns...)
	require.NoError(t, err)
	objs := make([]*ObjectArtifact, 0, len(files))
	for _, f := range files {
		obj, err := g.Compile(context.Background(), f)
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	return objs
}
