package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/qobs-build/graft/internal/builder/gen"
	"github.com/qobs-build/graft/internal/graph"
	"github.com/qobs-build/graft/internal/msg"
	"github.com/qobs-build/graft/internal/source"
	"go.uber.org/multierr"
)

var (
	errNotAProgram = errors.New("only program targets can be run")
)

const (
	GeneratorNative = "native"
	GeneratorNinja  = "ninja"

	ReportFilename = "graft_report.json"
)

type BuildOptions struct {
	Profile   string
	Generator string
	// Jobs overrides project.jobs when positive.
	Jobs    int
	Aliases []string
	// ReportPath overrides where the JSON report is written.
	ReportPath string
	// Progress shows a progress bar instead of one line per command.
	Progress bool
}

type Builder struct {
	cfg     *Config
	basedir string
	env     ConfigEnv
}

func NewBuilderInDirectory(path string) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path)
	cfg, err := ParseConfigFromFile(filepath.Join(path, ConfigFilename), env)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, basedir: path, env: env}, nil
}

func (b *Builder) Config() *Config { return b.cfg }

func (b *Builder) BuildDir() string {
	if filepath.IsAbs(b.cfg.Project.BuildDir) {
		return b.cfg.Project.BuildDir
	}
	return filepath.Join(b.basedir, b.cfg.Project.BuildDir)
}

// Plan returns the targets and aliases declared in Graft.toml and, if the
// project has one, in its build script.
func (b *Builder) Plan(ctx context.Context) (*graph.Plan, error) {
	plan, err := b.cfg.Plan()
	if err != nil {
		return nil, err
	}
	if b.cfg.Project.Script == "" {
		return plan, nil
	}

	scripted, err := LoadScript(ctx, filepath.Join(b.basedir, b.cfg.Project.Script))
	if err != nil {
		return nil, err
	}
	plan.Targets = append(plan.Targets, scripted.Targets...)
	for _, a := range scripted.Aliases {
		// Graft.toml always declares the project aggregate
		if a.Aggregate && a.Name == b.cfg.Project.Aggregate {
			continue
		}
		plan.Aliases = append(plan.Aliases, a)
	}
	resolveAliasMembers(plan)
	return plan, nil
}

// resolveAliasMembers moves alias members that name a declared target from
// Aliases to Targets. Graft.toml and the build script each split members
// against their own targets only, so names declared by the other one still
// need resolving once both are merged.
func resolveAliasMembers(plan *graph.Plan) {
	for i := range plan.Aliases {
		a := &plan.Aliases[i]
		var aliases []string
		for _, member := range a.Aliases {
			if _, ok := plan.Target(member); !ok {
				aliases = append(aliases, member)
				continue
			}
			if !slices.Contains(a.Targets, member) {
				a.Targets = append(a.Targets, member)
			}
		}
		a.Aliases = aliases
	}
}

func (b *Builder) resolver() (*source.Resolver, error) {
	opts := []source.Option{
		source.WithTestDir(b.cfg.Sources.TestDir),
		source.WithEntryExt(b.cfg.Sources.EntryExt),
	}
	if b.cfg.Sources.IgnoreFile != "" {
		opts = append(opts, source.WithIgnoreFile(b.cfg.Sources.IgnoreFile))
	}
	return source.NewResolver(b.basedir, opts...)
}

func createGenerator(generator, buildDir string) (gen.Generator, error) {
	switch generator {
	case GeneratorNative, "":
		return gen.NewNative(buildDir), nil
	case GeneratorNinja:
		return gen.NewNinja(), nil
	default:
		return nil, fmt.Errorf("unknown generator %q", generator)
	}
}

func (b *Builder) makeCflags(profile string) ([]string, error) {
	prof, ok := b.cfg.Profile[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
	}

	var cflags []string
	if optLevel := prof.Opt(); optLevel != "" {
		cflags = append(cflags, "-O"+optLevel)
	}
	if prof.Debug {
		cflags = append(cflags, "-g")
	}
	cflags = append(cflags, prof.Cflags...)
	cflags = append(cflags, b.cfg.Toolchain.Cflags...)

	for _, define := range sortedKeys(b.cfg.Toolchain.Defines) {
		if v := b.cfg.Toolchain.Defines[define]; v != "" {
			cflags = append(cflags, "-D"+define+"="+v)
		} else {
			cflags = append(cflags, "-D"+define)
		}
	}
	return cflags, nil
}

// Build resolves, compiles and links the targets reachable from
// opts.Aliases and writes the JSON report. The report is returned whenever
// the graph got past target selection, even if the build failed.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*graph.Report, error) {
	log := msg.Log(ctx)
	buildDir := b.BuildDir()
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return nil, err
	}

	cflags, err := b.makeCflags(opts.Profile)
	if err != nil {
		return nil, err
	}
	plan, err := b.Plan(ctx)
	if err != nil {
		return nil, err
	}
	res, err := b.resolver()
	if err != nil {
		return nil, err
	}

	g, err := createGenerator(opts.Generator, buildDir)
	if err != nil {
		return nil, err
	}
	g.SetCompiler(gen.FindCompilers(b.cfg.Toolchain.CC, b.cfg.Toolchain.CXX))
	g.SetFlags(cflags, b.cfg.Toolchain.Libs)
	if native, ok := g.(*gen.Native); ok {
		native.SetCommands(b.cfg.Toolchain.Compile, b.cfg.Toolchain.Link)
		native.Verbose = !opts.Progress
	}

	jobs := b.cfg.Project.Jobs
	if opts.Jobs > 0 {
		jobs = opts.Jobs
	}

	var bar *msg.ProgressBar
	graphOpts := graph.Options{
		OutDir: buildDir,
		Jobs:   jobs,
		Observer: func(ev graph.Event) {
			switch ev.Kind {
			case graph.EventResolved:
				if opts.Progress {
					bar = msg.NewProgressBar("Building", int64(ev.Total), 0, msg.Output)
				}
			case graph.EventCompile, graph.EventLink:
				bar.Add(1)
			case graph.EventSkip:
				log.Debug().Str("target", ev.Name).Err(ev.Err).Msg("target skipped")
			}
		},
	}

	bg := graph.New(g, graphOpts)
	log.Debug().Str("graph", bg.ID.String()).Str("profile", opts.Profile).Strs("cflags", cflags).Msg("starting build")

	report, buildErr := bg.Build(ctx, res, plan, opts.Aliases...)
	bar.Finish()
	if report == nil {
		return nil, buildErr
	}

	revision, err := sourceRevision(b.basedir)
	if err != nil {
		log.Warn().Err(err).Msg("could not determine source revision")
	}
	report.Revision = revision

	var errs []error
	errs = append(errs, buildErr)

	// the native generator saves its build state in Invoke, which must
	// happen even when some targets failed
	_, native := g.(*gen.Native)
	if buildErr == nil || native {
		// hand the aliases to the generator and produce the build file
		for _, a := range bg.Aliases().Aliases() {
			targets, err := bg.Aliases().Targets(a.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			g.AddAlias(a.Name, targets)
		}

		if out := g.Generate(); out != "" {
			buildFile := filepath.Join(buildDir, g.BuildFile())
			if err := os.WriteFile(buildFile, []byte(out), 0644); err != nil {
				errs = append(errs, err)
			}
		}
		if err := g.Invoke(ctx, buildDir); err != nil {
			err = fmt.Errorf("%s: %w", opts.Generator, err)
			if !native {
				// targets were only planned, the external tool did the linking
				report.MarkFailed(err)
			}
			errs = append(errs, err)
		}
	}

	reportPath := opts.ReportPath
	if reportPath == "" {
		reportPath = filepath.Join(buildDir, ReportFilename)
	}
	if err := report.WriteJSON(reportPath); err != nil {
		errs = append(errs, fmt.Errorf("write report: %w", err))
	}

	return report, multierr.Combine(errs...)
}

// BuildAndRun builds the named program target and runs it with args.
func (b *Builder) BuildAndRun(ctx context.Context, program string, args []string, opts BuildOptions) error {
	plan, err := b.Plan(ctx)
	if err != nil {
		return err
	}
	spec, ok := plan.Target(program)
	if !ok {
		return fmt.Errorf("unknown target %q", program)
	}
	if spec.Entry == "" {
		return fmt.Errorf("%w: %q is a test runner", errNotAProgram, program)
	}

	opts.Aliases = []string{program}
	report, err := b.Build(ctx, opts)
	if err != nil {
		return err
	}
	tr, ok := report.Target(program)
	if !ok || tr.Output == "" {
		return fmt.Errorf("target %q was not built", program)
	}

	cmd := exec.CommandContext(ctx, tr.Output, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// Clean removes the build directory.
func (b *Builder) Clean() error {
	dir := b.BuildDir()
	if dir == b.basedir {
		return fmt.Errorf("refusing to remove the project directory %s", dir)
	}
	return os.RemoveAll(dir)
}

// List writes every declared target and alias, with the targets each alias
// expands to.
func (b *Builder) List(ctx context.Context, w io.Writer) error {
	plan, err := b.Plan(ctx)
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	registry, err := plan.Registry()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, color.New(color.Bold).Sprint("Targets:"))
	for _, t := range plan.Targets {
		kind := graph.Program
		detail := t.Entry
		if t.Entry == "" {
			kind = graph.TestRunner
			detail = strings.Join(t.Sources, " ")
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", color.CyanString(t.Name), kind, detail)
	}

	fmt.Fprintln(tw, color.New(color.Bold).Sprint("Aliases:"))
	for _, a := range registry.Aliases() {
		targets, err := registry.Targets(a.Name)
		if err != nil {
			return err
		}
		name := a.Name
		if a.Aggregate {
			name += " (aggregate)"
		}
		fmt.Fprintf(tw, "  %s\t%s\n", color.CyanString(name), strings.Join(targets, " "))
	}
	return tw.Flush()
}

// Targets returns the declared target names, for shell completion.
func (b *Builder) Targets(ctx context.Context) []string {
	plan, err := b.Plan(ctx)
	if err != nil {
		return nil
	}
	registry, err := plan.Registry()
	if err != nil {
		return nil
	}
	names := registry.TargetNames()
	for _, a := range registry.Aliases() {
		if !slices.Contains(names, a.Name) {
			names = append(names, a.Name)
		}
	}
	return names
}
