// Package graph is the build-graph engine: it compiles every source file at
// most once into a shared object pool, links targets out of that pool and
// exposes named aliases over the targets.
//
// A Graph walks a fixed sequence of stages (Empty, Resolving, Compiling,
// Assembling, Aliasing, Ready). Failures are attributed to the smallest unit
// (a source file or a target) and collected, so one broken file never hides
// the state of the rest of the graph.
package graph
