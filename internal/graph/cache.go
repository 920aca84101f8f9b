package graph

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/qobs-build/graft/internal/msg"
	"github.com/qobs-build/graft/internal/source"
	"golang.org/x/sync/singleflight"
)

// ObjectArtifact is the compiled output of exactly one source file. It lives
// in the cache arena; targets only hold pointers to it.
type ObjectArtifact struct {
	Source source.File
	Path   string
	index  int
}

// Index is the artifact's position in the cache arena.
func (o *ObjectArtifact) Index() int { return o.index }

type cacheEntry struct {
	obj *ObjectArtifact
	err error
}

// ObjectCache compiles each source at most once. Concurrent requests for the
// same source share one compilation; requests for different sources never
// wait on each other. Failures are cached as well.
type ObjectCache struct {
	tc     Toolchain
	objDir string
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]*cacheEntry // source path -> result
	arena   []*ObjectArtifact
}

func NewObjectCache(tc Toolchain, objDir string) *ObjectCache {
	return &ObjectCache{
		tc:      tc,
		objDir:  objDir,
		entries: make(map[string]*cacheEntry),
	}
}

// ObjectPath returns where the object for src is written.
func (c *ObjectCache) ObjectPath(src source.File) string {
	return filepath.Join(c.objDir, filepath.FromSlash(src.Rel)+".o")
}

func (c *ObjectCache) lookup(key string) (*cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Compile returns the artifact for src, compiling it on first use.
func (c *ObjectCache) Compile(ctx context.Context, src source.File) (*ObjectArtifact, error) {
	if e, ok := c.lookup(src.Path); ok {
		return e.obj, e.err
	}

	v, _, _ := c.group.Do(src.Path, func() (any, error) {
		// a previous flight may have finished between lookup and Do
		if e, ok := c.lookup(src.Path); ok {
			return e, nil
		}
		e := c.compile(ctx, src)

		c.mu.Lock()
		if e.obj != nil {
			e.obj.index = len(c.arena)
			c.arena = append(c.arena, e.obj)
		}
		c.entries[src.Path] = e
		c.mu.Unlock()
		return e, nil
	})

	e := v.(*cacheEntry)
	return e.obj, e.err
}

func (c *ObjectCache) compile(ctx context.Context, src source.File) *cacheEntry {
	if err := ctx.Err(); err != nil {
		return &cacheEntry{err: &CompilationError{Source: src, Err: err}}
	}

	objPath := c.ObjectPath(src)
	msg.Log(ctx).Debug().Str("source", src.Rel).Str("object", objPath).Msg("compiling")

	if err := c.tc.Compile(ctx, CompileRequest{Source: src, Object: objPath}); err != nil {
		msg.Log(ctx).Debug().Str("source", src.Rel).Err(err).Msg("compilation failed")
		return &cacheEntry{err: &CompilationError{Source: src, Err: err}}
	}
	return &cacheEntry{obj: &ObjectArtifact{Source: src, Path: objPath}}
}

// Lookup returns the cached result for src without compiling it. ok is false
// if src was never attempted.
func (c *ObjectCache) Lookup(src source.File) (obj *ObjectArtifact, ok bool, err error) {
	e, ok := c.lookup(src.Path)
	if !ok {
		return nil, false, nil
	}
	return e.obj, true, e.err
}

// Objects returns the successfully compiled artifacts in arena order.
func (c *ObjectCache) Objects() []*ObjectArtifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.arena)
}

// Failures returns the cached compilation errors sorted by source path.
func (c *ObjectCache) Failures() []*CompilationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []*CompilationError
	for _, e := range c.entries {
		if ce, ok := e.err.(*CompilationError); ok {
			errs = append(errs, ce)
		}
	}
	slices.SortFunc(errs, func(a, b *CompilationError) int {
		return strings.Compare(a.Source.Rel, b.Source.Rel)
	})
	return errs
}

// Len returns the number of sources attempted so far.
func (c *ObjectCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
