package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/qobs-build/graft/internal/builder/gen"
	"github.com/qobs-build/graft/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the toolchain copies sources to objects and concatenates objects into
// executables, failing on any source that contains "#error"
const shToolchain = `
cc = "sh"
cxx = "sh"
compile = '''sh -c 'if grep -q "#error" "$0"; then echo "$0: error: #error" >&2; exit 1; fi; cp "$0" "$1"' "$SRC" "$OBJ"'''
link = '''sh -c 'out="$0"; shift; cat "$@" > "$out"' "$OUT" $OBJS'''
`

func smallsProject(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh as the compiler")
	}
	dir := t.TempDir()
	files := map[string]string{
		"Graft.toml":          strings.Replace(smallsConfig, "[toolchain]\n", "[toolchain]"+shToolchain, 1),
		"utf-8.cpp":           "utf8\n",
		"lexer.cpp":           "lexer\n",
		"SymbolTable.cpp":     "symtab\n",
		"bench-utf8.cxx":      "bench main\n",
		"scheme-play.cxx":     "play main\n",
		"tests/TestLexer.cpp": "test lexer\n",
		"tests/TestUTF8.cpp":  "test utf8\n",
	}
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func quietOptions(aliases ...string) BuildOptions {
	return BuildOptions{Profile: "debug", Generator: GeneratorNative, Jobs: 4, Aliases: aliases, Progress: true}
}

func TestBuildNative(t *testing.T) {
	dir := smallsProject(t)
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	report, err := b.Build(context.Background(), quietOptions())
	require.NoError(t, err)
	assert.True(t, report.OK())

	data, err := os.ReadFile(filepath.Join(dir, "build", "scheme-play"+exeSuffix()))
	require.NoError(t, err)
	assert.Equal(t, "symtab\nlexer\nutf8\nplay main\n", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "build", "test-smalls"+exeSuffix()))
	require.NoError(t, err)
	assert.Equal(t, "symtab\nlexer\nutf8\ntest lexer\ntest utf8\n", string(data))

	var written map[string]any
	data, err = os.ReadFile(filepath.Join(dir, "build", ReportFilename))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, report.GraphID, written["graph_id"])
	assert.Empty(t, report.Revision)

	_, err = os.Stat(filepath.Join(dir, "build", "graft_build_state.json"))
	require.NoError(t, err)
}

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

func TestBuildBrokenTest(t *testing.T) {
	dir := smallsProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tests", "TestLexer.cpp"), []byte("#error\n"), 0o644))
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	report, err := b.Build(context.Background(), quietOptions())
	require.Error(t, err)
	require.NotNil(t, report)

	var ce *graph.CompilationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "tests/TestLexer.cpp", ce.Source.Rel)
	assert.Len(t, report.Errs(), 1)

	runner, _ := report.Target("test-smalls")
	assert.Equal(t, graph.StatusUnbuildable, runner.Status)
	for _, name := range []string{"bench-utf8", "scheme-play"} {
		tr, _ := report.Target(name)
		assert.Equal(t, graph.StatusLinked, tr.Status)
	}
	_, err = os.Stat(filepath.Join(dir, "build", ReportFilename))
	require.NoError(t, err, "the report is written for failed builds too")

	// objects that did compile are remembered for the next build
	data, err := os.ReadFile(filepath.Join(dir, "build", "graft_build_state.json"))
	require.NoError(t, err)
	var state gen.BuildState
	require.NoError(t, json.Unmarshal(data, &state))
	objDir := filepath.Join(dir, "build", "objects")
	assert.Contains(t, state.Objects, filepath.Join(objDir, "lexer.cpp.o"))
	assert.Contains(t, state.Objects, filepath.Join(objDir, "tests", "TestUTF8.cpp.o"))
	assert.NotContains(t, state.Objects, filepath.Join(objDir, "tests", "TestLexer.cpp.o"))
	assert.Contains(t, state.Links, filepath.Join(dir, "build", "scheme-play"+exeSuffix()))
}

func TestBuildSelectsAlias(t *testing.T) {
	dir := smallsProject(t)
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	report, err := b.Build(context.Background(), quietOptions("apps"))
	require.NoError(t, err)
	assert.Len(t, report.Targets, 2)
	_, ok := report.Object("tests/TestUTF8.cpp")
	assert.False(t, ok)

	_, err = b.Build(context.Background(), quietOptions("benchmarks"))
	var ue *graph.UnknownAliasError
	require.ErrorAs(t, err, &ue)
}

func TestBuildNinja(t *testing.T) {
	dir := smallsProject(t)
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	ninja := filepath.Join(t.TempDir(), "ninja")
	require.NoError(t, os.WriteFile(ninja, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	t.Setenv("PATH", filepath.Dir(ninja)+string(os.PathListSeparator)+os.Getenv("PATH"))

	opts := quietOptions("tests")
	opts.Generator = GeneratorNinja
	_, err = b.Build(context.Background(), opts)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "build", "build.ninja"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "build tests: phony ")
	assert.Contains(t, string(data), "libs = -lcppunit -lm")
}

func TestBuildNinjaFailure(t *testing.T) {
	dir := smallsProject(t)
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	ninja := filepath.Join(t.TempDir(), "ninja")
	require.NoError(t, os.WriteFile(ninja, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	t.Setenv("PATH", filepath.Dir(ninja)+string(os.PathListSeparator)+os.Getenv("PATH"))

	opts := quietOptions("tests")
	opts.Generator = GeneratorNinja
	report, err := b.Build(context.Background(), opts)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.False(t, report.OK())

	runner, ok := report.Target("test-smalls")
	require.True(t, ok)
	assert.Equal(t, graph.StatusLinkFailed, runner.Status)

	var written struct {
		Targets []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"targets"`
	}
	data, err := os.ReadFile(filepath.Join(dir, "build", ReportFilename))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &written))
	require.Len(t, written.Targets, 1)
	assert.Equal(t, "link_failed", written.Targets[0].Status)
}

const mixedScript = `
bench = program("bench", entry = "bench-utf8.cxx", objects = [glob("*.cpp")])
alias("play-too", "scheme-play")
`

func TestBuildPlanMixesConfigAndScript(t *testing.T) {
	dir := smallsProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Graft.toml"), []byte(`
[project]
script = "SConscript.star"

[toolchain]`+shToolchain+`
[[program]]
name = "scheme-play"
entry = "scheme-play.cxx"
sources = ["*.cpp"]

[aliases]
apps = ["bench"]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SConscript.star"), []byte(mixedScript), 0o644))

	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)
	plan, err := b.Plan(context.Background())
	require.NoError(t, err)

	// targets declared in the script are visible to Graft.toml aliases
	selected, err := plan.Select("apps")
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "bench", selected[0].Name)

	// and the other way round
	selected, err = plan.Select("play-too")
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "scheme-play", selected[0].Name)

	report, err := b.Build(context.Background(), quietOptions("apps", "play-too"))
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, []string{"bench"}, report.Aliases["apps"])
	assert.Equal(t, []string{"scheme-play"}, report.Aliases["play-too"])
}

func TestBuildWithScript(t *testing.T) {
	dir := smallsProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Graft.toml"), []byte(`
[project]
script = "SConscript.star"

[toolchain]`+shToolchain), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SConscript.star"), []byte(smallsScript), 0o644))

	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	report, err := b.Build(context.Background(), quietOptions("ci"))
	require.NoError(t, err)
	assert.Len(t, report.Targets, 3)
	assert.Equal(t, []string{"bench-utf8", "scheme-play", "test-smalls"}, report.Aliases["all"])
}

func TestBuildRevision(t *testing.T) {
	dir := smallsProject(t)
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	w, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("build/\n"), 0o644))
	require.NoError(t, w.AddWithOptions(&git.AddOptions{All: true}))
	hash, err := w.Commit("import smalls", &git.CommitOptions{
		Author: &object.Signature{Name: "smalls", Email: "smalls@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	rev, err := sourceRevision(filepath.Join(dir, "tests"))
	require.NoError(t, err)
	assert.Equal(t, hash.String(), rev)

	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)
	report, err := b.Build(context.Background(), quietOptions("tests"))
	require.NoError(t, err)
	assert.Equal(t, hash.String(), report.Revision)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lexer.cpp"), []byte("changed\n"), 0o644))
	rev, err = sourceRevision(dir)
	require.NoError(t, err)
	assert.Equal(t, hash.String()+"-dirty", rev)
}

func TestSourceRevisionOutsideRepository(t *testing.T) {
	rev, err := sourceRevision(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rev)
}

func TestBuildUnknownProfileAndGenerator(t *testing.T) {
	dir := smallsProject(t)
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	opts := quietOptions()
	opts.Profile = "fast"
	_, err = b.Build(context.Background(), opts)
	require.Error(t, err)

	opts = quietOptions()
	opts.Generator = "vs2022"
	_, err = b.Build(context.Background(), opts)
	require.Error(t, err)
}

func TestBuildAndRun(t *testing.T) {
	dir := smallsProject(t)
	// make bench-utf8 a runnable shell script
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SymbolTable.cpp"), []byte("#!/bin/sh\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lexer.cpp"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "utf-8.cpp"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bench-utf8.cxx"), []byte("echo \"$@\" > \"$(dirname \"$0\")/ran\"\n"), 0o644))
	toml, err := os.ReadFile(filepath.Join(dir, "Graft.toml"))
	require.NoError(t, err)
	toml = bytes.Replace(toml, []byte(`cat "$@" > "$out"'`), []byte(`cat "$@" > "$out" && chmod +x "$out"'`), 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Graft.toml"), toml, 0o644))

	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)
	require.NoError(t, b.BuildAndRun(context.Background(), "bench-utf8", []string{"a", "b"}, quietOptions()))

	data, err := os.ReadFile(filepath.Join(dir, "build", "ran"))
	require.NoError(t, err)
	assert.Equal(t, "a b\n", string(data))

	err = b.BuildAndRun(context.Background(), "test-smalls", nil, quietOptions())
	require.ErrorIs(t, err, errNotAProgram)
	require.Error(t, b.BuildAndRun(context.Background(), "nope", nil, quietOptions()))
}

func TestListAndClean(t *testing.T) {
	dir := smallsProject(t)
	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, b.List(context.Background(), &out))
	assert.Contains(t, out.String(), "test-smalls")
	assert.Contains(t, out.String(), "test_runner")
	assert.Contains(t, out.String(), "all (aggregate)")
	assert.Contains(t, b.Targets(context.Background()), "ci")

	_, err = b.Build(context.Background(), quietOptions("bench-utf8"))
	require.NoError(t, err)
	require.NoError(t, b.Clean())
	_, err = os.Stat(b.BuildDir())
	assert.True(t, os.IsNotExist(err))
}
