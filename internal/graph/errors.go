package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qobs-build/graft/internal/source"
)

var (
	ErrInvalidTarget = errors.New("invalid target")
	ErrStageOrder    = errors.New("build stage out of order")
	ErrUnbuildable   = errors.New("target is unbuildable")
	ErrAliasCycle    = errors.New("alias cycle")
)

// CompilationError is a toolchain failure on one source file.
type CompilationError struct {
	Source source.File
	Err    error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Source.Rel, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// LinkError is a toolchain failure while linking a target.
type LinkError struct {
	Target string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s: %v", e.Target, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// TargetRedefinitionError is returned when a target name is assembled twice
// with different contents. Diff lists removed (-) and added (+) entries.
type TargetRedefinitionError struct {
	Name string
	Diff string
}

func (e *TargetRedefinitionError) Error() string {
	if e.Diff == "" {
		return fmt.Sprintf("target %q redefined with different contents", e.Name)
	}
	return fmt.Sprintf("target %q redefined with different contents:\n%s", e.Name, strings.TrimRight(e.Diff, "\n"))
}

// UnknownAliasError is returned for a lookup of a name that is neither an
// alias nor a registered target.
type UnknownAliasError struct {
	Name  string
	Known []string
}

func (e *UnknownAliasError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown alias %q", e.Name)
	}
	return fmt.Sprintf("unknown alias %q, known aliases: %s", e.Name, strings.Join(e.Known, ", "))
}

func invalidTargetf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTarget, fmt.Sprintf(format, args...))
}
