package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/qobs-build/graft/internal/source"
)

// TargetStatus is the outcome of a target in a build.
type TargetStatus int

const (
	StatusPending TargetStatus = iota
	StatusLinked
	StatusLinkFailed
	StatusUnbuildable
)

func (s TargetStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLinked:
		return "linked"
	case StatusLinkFailed:
		return "link_failed"
	case StatusUnbuildable:
		return "unbuildable"
	default:
		return fmt.Sprintf("TargetStatus(%d)", int(s))
	}
}

func (s TargetStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type EventKind int

const (
	// EventResolved is sent once, before any job runs. Total is the number
	// of compile and link jobs that may follow.
	EventResolved EventKind = iota
	EventCompile
	EventLink
	EventSkip
)

// Event reports a finished unit of work. Name is a source path relative to
// the root for compile events and a target name otherwise.
type Event struct {
	Kind  EventKind
	Name  string
	Err   error
	Total int
}

// Observer receives events from worker goroutines; it must be safe for
// concurrent use.
type Observer func(Event)

type Options struct {
	// OutDir receives linked executables.
	OutDir string
	// ObjDir receives objects. Defaults to OutDir/objects.
	ObjDir string
	// Jobs bounds concurrent compile and link jobs. Defaults to runtime.NumCPU().
	Jobs     int
	Observer Observer
}

type targetState struct {
	status TargetStatus
	err    error
}

// Graph is one build invocation. All build state is scoped to it, so
// independent graphs never share objects, targets or aliases.
type Graph struct {
	ID uuid.UUID

	tc      Toolchain
	outDir  string
	jobs    int
	observe Observer
	cache   *ObjectCache
	aliases *AliasRegistry

	mu          sync.Mutex
	stage       Stage
	targets     map[string]*Target
	targetOrder []string
	states      map[string]targetState
	selected    []string
	pool        []source.File
}

func New(tc Toolchain, opts Options) *Graph {
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.ObjDir == "" {
		opts.ObjDir = filepath.Join(opts.OutDir, "objects")
	}
	return &Graph{
		ID:      uuid.New(),
		tc:      tc,
		outDir:  opts.OutDir,
		jobs:    opts.Jobs,
		observe: opts.Observer,
		cache:   NewObjectCache(tc, opts.ObjDir),
		aliases: NewAliasRegistry(),
		targets: make(map[string]*Target),
		states:  make(map[string]targetState),
	}
}

// Compile compiles src through the graph's object cache.
func (g *Graph) Compile(ctx context.Context, src source.File) (*ObjectArtifact, error) {
	if err := g.require(StageCompiling); err != nil {
		return nil, err
	}
	return g.cache.Compile(ctx, src)
}

func (g *Graph) Cache() *ObjectCache { return g.cache }

func (g *Graph) Aliases() *AliasRegistry { return g.aliases }

// RegisterAlias binds name to targets and member aliases.
func (g *Graph) RegisterAlias(name string, targets []string, aliases ...string) error {
	if err := g.require(StageAliasing); err != nil {
		return err
	}
	return g.aliases.Register(name, targets, aliases...)
}

// RegisterAggregate declares name as the catch-all alias. Its target set is
// computed when read, so it reflects every registration made before the read.
func (g *Graph) RegisterAggregate(name string) error {
	if err := g.require(StageAliasing); err != nil {
		return err
	}
	return g.aliases.Aggregate(name)
}

func (g *Graph) Target(name string) (*Target, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.targets[name]
	return t, ok
}

// Targets returns the assembled targets in assembly order.
func (g *Graph) Targets() []*Target {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Target, len(g.targetOrder))
	for i, name := range g.targetOrder {
		out[i] = g.targets[name]
	}
	return out
}

// Status returns the outcome of a target and the error behind it, if any.
func (g *Graph) Status(name string) (TargetStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.states[name]
	return st.status, st.err
}

func (g *Graph) setStatus(name string, status TargetStatus, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[name] = targetState{status: status, err: err}
}

// Selected returns the names of the targets requested for this build.
func (g *Graph) Selected() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.selected)
}

func (g *Graph) emit(ev Event) {
	if g.observe != nil {
		g.observe(ev)
	}
}
