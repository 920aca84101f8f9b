package gen

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/qobs-build/graft/internal/graph"
	"github.com/qobs-build/graft/internal/msg"
	"mvdan.cc/sh/v3/shell"
)

const (
	DefaultCompileCommand = `$CXX $CFLAGS -c "$SRC" -o "$OBJ"`
	DefaultLinkCommand    = `$CXX -o "$OUT" $OBJS $LIBS`
)

// listVars expand to one argument per element, whatever the elements contain.
var listVars = []string{"CFLAGS", "OBJS", "LIBS"}

// ObjectState is what an object was last built from.
type ObjectState struct {
	Source string   `json:"source"`
	Hash   string   `json:"hash"`
	Cflags []string `json:"cflags,omitempty"`
}

// LinkState is what an executable was last linked from.
type LinkState struct {
	Objects []string `json:"objects"`
	Libs    []string `json:"libs,omitempty"`
}

// BuildState represents the state of previous builds, for incremental builds
type BuildState struct {
	Objects map[string]*ObjectState `json:"objects,omitempty"` // object path -> state
	Links   map[string]*LinkState   `json:"links,omitempty"`   // output path -> state
}

// Native runs the compiler and linker directly. Objects and executables
// whose inputs did not change since the last build are left alone.
type Native struct {
	cc, cxx     string
	cflags      []string
	libs        []string
	compileTmpl string
	linkTmpl    string

	// Output receives compiler diagnostics.
	Output io.Writer
	// Verbose prints a status line for every command run.
	Verbose bool

	mu        sync.Mutex
	state     BuildState
	stateFile string
	hashCache map[string]string
	aliases   map[string][]string
}

func NewNative(buildDir string) *Native {
	n := &Native{
		compileTmpl: DefaultCompileCommand,
		linkTmpl:    DefaultLinkCommand,
		Output:      os.Stdout,
		Verbose:     true,
		stateFile:   filepath.Join(buildDir, "graft_build_state.json"),
		hashCache:   make(map[string]string),
		aliases:     make(map[string][]string),
		state: BuildState{
			Objects: make(map[string]*ObjectState),
			Links:   make(map[string]*LinkState),
		},
	}
	if err := n.loadBuildState(); err != nil {
		msg.Warn("failed to load build state: %v", err)
	}
	return n
}

func (n *Native) SetCompiler(cc, cxx string) {
	n.cc, n.cxx = cc, cxx
}

func (n *Native) SetFlags(cflags, libs []string) {
	n.cflags, n.libs = slices.Clone(cflags), slices.Clone(libs)
}

// SetCommands overrides the compile and link command templates. Empty
// strings keep the defaults.
func (n *Native) SetCommands(compile, link string) {
	if compile != "" {
		n.compileTmpl = compile
	}
	if link != "" {
		n.linkTmpl = link
	}
}

func (n *Native) AddAlias(name string, targets []string) {
	n.aliases[name] = slices.Clone(targets)
}

func (n *Native) BuildFile() string { return filepath.Base(n.stateFile) }

func (n *Native) Generate() string {
	return "" // no build file needed
}

// Invoke persists the build state; all the work already happened in
// Compile and Link.
func (n *Native) Invoke(ctx context.Context, buildDir string) error {
	return n.saveBuildState()
}

func (n *Native) Compile(ctx context.Context, req graph.CompileRequest) error {
	compiler := compilerFor(req.Source.IsCxx(), n.cc, n.cxx)
	if compiler == "" {
		return fmt.Errorf("no C/C++ compiler found, set $CC/$CXX or toolchain.cc/cxx")
	}

	hash, err := n.fileHash(req.Source.Path)
	if err != nil {
		return err
	}
	if n.objectUpToDate(req.Object, hash) {
		msg.Log(ctx).Debug().Str("object", req.Object).Msg("up to date")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(req.Object), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	args, err := expandCommand(n.compileTmpl, map[string]string{
		"CC":  compiler,
		"CXX": compiler,
		"SRC": req.Source.Path,
		"OBJ": req.Object,
	}, map[string][]string{
		"CFLAGS": n.cflags,
	})
	if err != nil {
		return fmt.Errorf("compile command: %w", err)
	}

	if n.Verbose {
		msg.Status("CC", "%s", req.Source.Rel)
	}
	if err := n.run(ctx, args); err != nil {
		return err
	}

	n.mu.Lock()
	n.state.Objects[req.Object] = &ObjectState{Source: req.Source.Path, Hash: hash, Cflags: slices.Clone(n.cflags)}
	n.mu.Unlock()
	return nil
}

func (n *Native) Link(ctx context.Context, req graph.LinkRequest) error {
	compiler := compilerFor(hasCxx(req.Objects), n.cc, n.cxx)
	if compiler == "" {
		return fmt.Errorf("no C/C++ compiler found, set $CC/$CXX or toolchain.cc/cxx")
	}

	libs := make([]string, 0, len(n.libs)+len(req.Libraries))
	for _, lib := range slices.Concat(req.Libraries, n.libs) {
		libs = append(libs, "-l"+lib)
	}

	if n.linkUpToDate(req.Output, req.Objects, libs) {
		msg.Log(ctx).Debug().Str("output", req.Output).Msg("up to date")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	args, err := expandCommand(n.linkTmpl, map[string]string{
		"CC":     compiler,
		"CXX":    compiler,
		"OUT":    req.Output,
		"TARGET": req.Target,
	}, map[string][]string{
		"CFLAGS": n.cflags,
		"OBJS":   req.Objects,
		"LIBS":   libs,
	})
	if err != nil {
		return fmt.Errorf("link command: %w", err)
	}

	if n.Verbose {
		msg.Status("LINK", "%s (%s)", req.Target, req.Kind)
	}
	if err := n.run(ctx, args); err != nil {
		return err
	}

	n.mu.Lock()
	n.state.Links[req.Output] = &LinkState{Objects: slices.Clone(req.Objects), Libs: libs}
	n.mu.Unlock()
	return nil
}

// run executes args, buffering the output so that diagnostics of parallel
// jobs don't interleave.
func (n *Native) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	msg.Log(ctx).Debug().Strs("args", args).Msg("exec")
	err := cmd.Run()

	if out.Len() > 0 {
		n.mu.Lock()
		n.Output.Write(out.Bytes())
		n.mu.Unlock()
	}
	if err != nil {
		if diag := strings.TrimSpace(out.String()); diag != "" {
			return fmt.Errorf("%s: %w\n%s", filepath.Base(args[0]), err, diag)
		}
		return fmt.Errorf("%s: %w", filepath.Base(args[0]), err)
	}
	return nil
}

func (n *Native) objectUpToDate(obj, hash string) bool {
	if _, err := os.Stat(obj); err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.state.Objects[obj]
	return ok && st.Hash == hash && slices.Equal(st.Cflags, n.cflags)
}

func (n *Native) linkUpToDate(output string, objects, libs []string) bool {
	outInfo, err := os.Stat(output)
	if err != nil {
		return false
	}
	n.mu.Lock()
	st, ok := n.state.Links[output]
	n.mu.Unlock()
	if !ok || !slices.Equal(st.Objects, objects) || !slices.Equal(st.Libs, libs) {
		return false
	}
	for _, obj := range objects {
		info, err := os.Stat(obj)
		if err != nil || info.ModTime().After(outInfo.ModTime()) {
			return false
		}
	}
	return true
}

// loadBuildState loads the previous build state from disk
func (n *Native) loadBuildState() error {
	f, err := os.Open(n.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no previous state, that's fine
		}
		return err
	}
	defer f.Close()

	var st BuildState
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(&st); err != nil {
		return err
	}
	if st.Objects != nil {
		n.state.Objects = st.Objects
	}
	if st.Links != nil {
		n.state.Links = st.Links
	}
	return nil
}

// saveBuildState saves the current build state to disk
func (n *Native) saveBuildState() error {
	n.mu.Lock()
	data, err := json.MarshalIndent(n.state, "", "  ")
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(n.stateFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(n.stateFile, data, 0644)
}

// fileHash computes the SHA256 hash of a file with an in-memory cache
func (n *Native) fileHash(path string) (string, error) {
	n.mu.Lock()
	hash, ok := n.hashCache[path]
	n.mu.Unlock()
	if ok {
		return hash, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}

	hash = hex.EncodeToString(h.Sum(nil))
	n.mu.Lock()
	n.hashCache[path] = hash
	n.mu.Unlock()
	return hash, nil
}

// expandCommand splits a shell-style command template into arguments.
// Scalar variables expand like shell parameters; list variables are
// spliced in as one argument per element. Unknown variables fall back to
// the process environment.
func expandCommand(tmpl string, vars map[string]string, lists map[string][]string) ([]string, error) {
	sentinels := make(map[string][]string, len(lists))
	env := func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		if l, ok := lists[name]; ok {
			s := "\x1f" + name + "\x1f"
			sentinels[s] = l
			return s
		}
		if slices.Contains(listVars, name) {
			return ""
		}
		return os.Getenv(name)
	}

	fields, err := shell.Fields(tmpl, env)
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, len(fields))
	for _, f := range fields {
		if l, ok := sentinels[f]; ok {
			args = append(args, l...)
			continue
		}
		// a list glued to other text joins its elements with spaces
		for s, l := range sentinels {
			f = strings.ReplaceAll(f, s, strings.Join(l, " "))
		}
		args = append(args, f)
	}
	return args, nil
}
