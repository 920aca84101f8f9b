package gen

import (
	"context"

	"github.com/qobs-build/graft/internal/graph"
)

// Generator is a graph toolchain that either runs the compiler itself or
// records the work and emits a build file for another tool.
type Generator interface {
	graph.Toolchain

	SetCompiler(cc, cxx string)
	// SetFlags sets flags shared by every compile and libraries shared by
	// every link.
	SetFlags(cflags, libs []string)
	// AddAlias exposes a named group of targets in the generated build file.
	AddAlias(name string, targets []string)
	// Generate returns the build file contents, or "" if none is needed.
	Generate() string
	BuildFile() string
	Invoke(ctx context.Context, buildDir string) error
}

// compilerFor picks the C++ driver for C++ sources and for links that
// include any C++ object.
func compilerFor(cxx bool, cc, cxxc string) string {
	if cxx && cxxc != "" {
		return cxxc
	}
	if cc != "" {
		return cc
	}
	return cxxc
}
