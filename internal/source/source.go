// Package source discovers the files a build graph compiles and sorts them
// into library, test and entry-point categories.
package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

const (
	DefaultTestDir  = "tests"
	DefaultEntryExt = ".cxx"
)

// Category is the role a source file plays when targets are assembled.
type Category int

const (
	Library Category = iota
	Test
	EntryPoint
)

func (c Category) String() string {
	switch c {
	case Library:
		return "library"
	case Test:
		return "test"
	case EntryPoint:
		return "entry_point"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// File is a discovered source file. Path is absolute, Rel is slash-separated
// and relative to the resolver root.
type File struct {
	Path     string
	Rel      string
	Category Category
}

func (f File) Dir() string { return filepath.Dir(f.Path) }
func (f File) Ext() string { return filepath.Ext(f.Path) }

// IsCxx reports whether the file should go through the C++ compiler.
func (f File) IsCxx() bool {
	switch strings.ToLower(f.Ext()) {
	case ".c":
		return false
	default:
		return true
	}
}

// ResolutionError is returned when an explicitly named source does not exist.
type ResolutionError struct {
	Path string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve source %s: %v", e.Path, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type Resolver struct {
	root     string
	fsys     fs.FS
	testDir  string
	entryExt string
	ignore   *ignore.GitIgnore
}

type Option func(*Resolver) error

// WithTestDir sets the subdirectory whose files are categorized as tests.
func WithTestDir(dir string) Option {
	return func(r *Resolver) error {
		r.testDir = strings.Trim(filepath.ToSlash(dir), "/")
		return nil
	}
}

// WithEntryExt sets the extension that marks program entry points.
func WithEntryExt(ext string) Option {
	return func(r *Resolver) error {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.entryExt = ext
		return nil
	}
}

// WithIgnoreFile loads gitignore-style rules relative to the root. A missing
// file is not an error.
func WithIgnoreFile(name string) Option {
	return func(r *Resolver) error {
		if name == "" {
			return nil
		}
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.root, name)
		}
		gi, err := ignore.CompileIgnoreFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to read ignore file %s: %w", p, err)
		}
		r.ignore = gi
		return nil
	}
}

func NewResolver(root string, opts ...Option) (*Resolver, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", root)
	}

	r := &Resolver{
		root:     root,
		fsys:     os.DirFS(root),
		testDir:  DefaultTestDir,
		entryExt: DefaultEntryExt,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Resolver) Root() string { return r.root }

// Classify returns the category of a root-relative path.
func (r *Resolver) Classify(rel string) Category {
	rel = filepath.ToSlash(rel)
	if r.entryExt != "" && strings.EqualFold(path.Ext(rel), r.entryExt) {
		return EntryPoint
	}
	if r.testDir != "" {
		first, _, _ := strings.Cut(rel, "/")
		if first == r.testDir && first != rel {
			return Test
		}
	}
	return Library
}

// Glob returns the files matching patterns, in pattern order with each
// pattern's matches sorted. A file matched by more than one pattern is
// returned once, at its first position. No match is not an error.
func (r *Resolver) Glob(patterns ...string) ([]File, error) {
	var files []File
	seen := make(map[string]struct{})

	for _, pat := range patterns {
		pat = filepath.ToSlash(pat)
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid source pattern %q", pat)
		}
		matches, err := doublestar.Glob(r.fsys, pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("while globbing %q: %w", pat, err)
		}
		slices.Sort(matches)

		for _, rel := range matches {
			if _, ok := seen[rel]; ok {
				continue
			}
			if r.ignore != nil && r.ignore.MatchesPath(rel) {
				continue
			}
			seen[rel] = struct{}{}
			files = append(files, r.file(rel))
		}
	}

	return files, nil
}

// Entry resolves a single explicitly named file.
func (r *Resolver) Entry(name string) (File, error) {
	rel := name
	if filepath.IsAbs(name) {
		var err error
		rel, err = filepath.Rel(r.root, name)
		if err != nil {
			return File{}, &ResolutionError{Path: name, Err: err}
		}
	}
	rel = path.Clean(filepath.ToSlash(rel))

	stat, err := fs.Stat(r.fsys, rel)
	if err != nil {
		return File{}, &ResolutionError{Path: name, Err: err}
	}
	if stat.IsDir() {
		return File{}, &ResolutionError{Path: name, Err: errors.New("is a directory")}
	}
	return r.file(rel), nil
}

func (r *Resolver) file(rel string) File {
	return File{
		Path:     filepath.Join(r.root, filepath.FromSlash(rel)),
		Rel:      rel,
		Category: r.Classify(rel),
	}
}
