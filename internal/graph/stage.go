package graph

import "fmt"

// Stage is the lifecycle position of a Graph.
type Stage int

const (
	StageEmpty Stage = iota
	StageResolving
	StageCompiling
	StageAssembling
	StageAliasing
	StageReady
)

func (s Stage) String() string {
	switch s {
	case StageEmpty:
		return "empty"
	case StageResolving:
		return "resolving"
	case StageCompiling:
		return "compiling"
	case StageAssembling:
		return "assembling"
	case StageAliasing:
		return "aliasing"
	case StageReady:
		return "ready"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Advance moves the graph to the next stage. Stages can't be skipped or
// revisited; a new build needs a new Graph.
func (g *Graph) Advance(to Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if to != g.stage+1 {
		return fmt.Errorf("%w: %s -> %s", ErrStageOrder, g.stage, to)
	}
	g.stage = to
	return nil
}

func (g *Graph) Stage() Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stage
}

func (g *Graph) require(s Stage) error {
	if cur := g.Stage(); cur != s {
		return fmt.Errorf("%w: operation needs stage %s, graph is %s", ErrStageOrder, s, cur)
	}
	return nil
}
