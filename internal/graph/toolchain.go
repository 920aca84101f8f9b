package graph

import (
	"context"

	"github.com/qobs-build/graft/internal/source"
)

// CompileRequest asks the toolchain to turn one source file into an object.
type CompileRequest struct {
	Source source.File
	Object string
}

// LinkRequest asks the toolchain to link objects into an executable.
// Objects are in link order: library objects first, then test objects, then
// the entry-point object.
type LinkRequest struct {
	Target    string
	Kind      Kind
	Output    string
	Objects   []string
	Libraries []string
}

// Toolchain is the external compile/link capability the graph drives.
// Implementations must be safe for concurrent use.
type Toolchain interface {
	Compile(ctx context.Context, req CompileRequest) error
	Link(ctx context.Context, req LinkRequest) error
}
