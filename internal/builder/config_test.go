package builder

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/qobs-build/graft/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallsConfig = `
[project]
name = "smalls"

[toolchain]
cflags = ["-Wall", "-DARCH={{ target_arch }}"]
libs = []

[toolchain.'target_os == "` + runtime.GOOS + `"']
libs = ["m"]

[toolchain.'target_os == "plan9"']
libs = ["never"]

[profile.bench]
opt-level = 2
cflags = ["-DNDEBUG"]

[[program]]
name = "bench-utf8"
entry = "bench-utf8.cxx"
sources = ["*.cpp"]
aliases = ["bench-utf8"]

[[program]]
name = "scheme-play"
entry = "scheme-play.cxx"
sources = ["*.cpp"]
aliases = ["scheme-play"]

[[test]]
name = "test-smalls"
sources = ["*.cpp", "tests/*.cpp"]
libs = ["cppunit"]
aliases = ["tests"]

[aliases]
apps = ["bench-utf8", "scheme-play"]
ci = ["apps", "tests"]
`

func parse(t *testing.T, text string) *Config {
	t.Helper()
	cfg, err := ParseConfig(strings.NewReader(text), NewConfigEnv(t.TempDir()))
	require.NoError(t, err)
	return cfg
}

func TestParseConfig(t *testing.T) {
	cfg := parse(t, smallsConfig)

	assert.Equal(t, "smalls", cfg.Project.Name)
	assert.Equal(t, "all", cfg.Project.Aggregate)
	assert.Equal(t, "build", cfg.Project.BuildDir)
	assert.Equal(t, "tests", cfg.Sources.TestDir)
	assert.Equal(t, ".cxx", cfg.Sources.EntryExt)

	assert.Equal(t, []string{"-Wall", "-DARCH=" + runtime.GOARCH}, cfg.Toolchain.Cflags)
	assert.Equal(t, []string{"m"}, cfg.Toolchain.Libs)

	require.Len(t, cfg.Programs, 2)
	assert.Equal(t, "scheme-play.cxx", cfg.Programs[1].Entry)
	require.Len(t, cfg.Tests, 1)
	assert.Equal(t, []string{"cppunit"}, cfg.Tests[0].Libs)
	assert.Equal(t, []string{"apps", "tests"}, cfg.Aliases["ci"])

	assert.Equal(t, []string{"bench", "debug", "release"}, cfg.Profiles())
	assert.Equal(t, "2", cfg.Profile["bench"].Opt())
}

func TestParseConfigDoesNotShareDefaults(t *testing.T) {
	parse(t, "[profile.release]\nopt-level = \"s\"\n")
	cfg := parse(t, "")
	assert.Equal(t, "3", cfg.Profile["release"].Opt())
}

func TestParseConfigDefaultName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-project")
	require.NoError(t, os.Mkdir(dir, 0o755))
	cfg, err := ParseConfig(strings.NewReader(""), NewConfigEnv(dir))
	require.NoError(t, err)
	assert.Equal(t, "my-project", cfg.Project.Name)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("[project\nname = 1"), NewConfigEnv(t.TempDir()))
	require.Error(t, err)

	_, err = ParseConfig(strings.NewReader(`[project]
name = "{{ nope( }}"
`), NewConfigEnv(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error processing expressions")
}

func TestReadFileExpression(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "VERSION"), []byte("1.2.3\n"), 0o644))

	cfg, err := ParseConfig(strings.NewReader(`[toolchain]
cflags = ["-DVERSION={{ trim(ReadFile('VERSION')) }}"]
`), NewConfigEnv(dir))
	require.NoError(t, err)
	assert.Equal(t, []string{"-DVERSION=1.2.3"}, cfg.Toolchain.Cflags)

	_, err = NewConfigEnv(dir).ReadFile("../outside")
	require.Error(t, err)
}

func TestConfigPlan(t *testing.T) {
	cfg := parse(t, smallsConfig)
	plan, err := cfg.Plan()
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	require.Len(t, plan.Targets, 3)
	bench, ok := plan.Target("bench-utf8")
	require.True(t, ok)
	assert.Equal(t, "bench-utf8.cxx", bench.Entry)
	runner, ok := plan.Target("test-smalls")
	require.True(t, ok)
	assert.Empty(t, runner.Entry)

	registry, err := plan.Registry()
	require.NoError(t, err)

	got, err := registry.Targets("ci")
	require.NoError(t, err)
	assert.Equal(t, []string{"bench-utf8", "scheme-play", "test-smalls"}, got)
	got, err = registry.Targets("all")
	require.NoError(t, err)
	assert.Equal(t, []string{"bench-utf8", "scheme-play", "test-smalls"}, got)

	last := plan.Aliases[len(plan.Aliases)-1]
	assert.Equal(t, graph.AliasSpec{Name: "all", Aggregate: true}, last)
}

func TestConfigPlanErrors(t *testing.T) {
	_, err := parse(t, "[aliases]\nall = [\"x\"]\n").Plan()
	require.Error(t, err)

	_, err = parse(t, "[[program]]\nname = \"x\"\nsources = [\"*.cpp\"]\n").Plan()
	require.Error(t, err)
}

func TestMakeCflags(t *testing.T) {
	cfg := parse(t, smallsConfig+"\n[toolchain.defines]\nSMALLS = \"\"\nLEVEL = \"2\"\n")
	b := &Builder{cfg: cfg}

	cflags, err := b.makeCflags("debug")
	require.NoError(t, err)
	assert.Equal(t, []string{"-g", "-Wall", "-DARCH=" + runtime.GOARCH, "-DLEVEL=2", "-DSMALLS"}, cflags)

	cflags, err = b.makeCflags("bench")
	require.NoError(t, err)
	assert.Equal(t, "-O2", cflags[0])
	assert.Equal(t, "-DNDEBUG", cflags[1])

	_, err = b.makeCflags("fast")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known profiles: bench, debug, release")
}
