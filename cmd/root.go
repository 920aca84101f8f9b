// graft [alias...], graft build [alias...]
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/qobs-build/graft/internal/builder"
	"github.com/qobs-build/graft/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagProfile   string
	flagDir       string
	flagJobs      int
	flagReport    string
	flagLogLevel  string
	flagVerbose   bool
	flagGenerator EnumValue = NewEnumValue(builder.GeneratorNative, map[string]string{
		builder.GeneratorNative: "Compile and link with graft's own builder (default)",
		builder.GeneratorNinja:  "Build through ninja, writing build.ninja",
	})
)

func loadBuilder() *builder.Builder {
	b, err := builder.NewBuilderInDirectory(flagDir)
	if err != nil {
		msg.Fatal("%v", err)
	}
	return b
}

func buildOptions(aliases []string) builder.BuildOptions {
	return builder.BuildOptions{
		Profile:    flagProfile,
		Generator:  flagGenerator.Value(),
		Jobs:       flagJobs,
		Aliases:    aliases,
		ReportPath: flagReport,
		Progress:   !flagVerbose,
	}
}

func doBuild(cmd *cobra.Command, args []string) {
	b := loadBuilder()
	report, err := b.Build(cmd.Context(), buildOptions(args))
	if report != nil {
		for _, t := range report.Targets {
			if t.Error != "" {
				msg.Error("%s: %s", t.Name, t.Status)
			}
		}
	}
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("built %d targets", len(report.Targets))
}

// completeTargets offers the declared target and alias names
func completeTargets(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	b, err := builder.NewBuilderInDirectory(flagDir)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return b.Targets(cmd.Context()), cobra.ShellCompDirectiveNoFileComp
}

var rootCmd = &cobra.Command{
	Use:   "graft [alias...]",
	Short: "Build graph orchestrator for C/C++ projects",
	Long: `Build graph orchestrator for C/C++ projects.

Without arguments builds the project's aggregate alias ("all" by default).
Aliases and target names can be given to build only what they reach.`,
	Args:              cobra.ArbitraryArgs,
	Run:               doBuild,
	ValidArgsFunction: completeTargets,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger := msg.NewLogger(os.Stderr, flagLogLevel)
		cmd.SetContext(msg.WithLogger(cmd.Context(), &logger))
	},
}

var buildCmd = &cobra.Command{
	Use:               "build [alias...]",
	Short:             "Build targets",
	Long:              `Build the targets reachable from the given aliases, or the aggregate alias if none are given.`,
	Args:              cobra.ArbitraryArgs,
	Run:               doBuild,
	ValidArgsFunction: completeTargets,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", ".", "Project directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error)")

	addBuildFlags(rootCmd)

	// graft build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel jobs (default: project.jobs or the number of CPUs)")
	cmd.Flags().StringVar(&flagReport, "report", "", "Write the JSON build report to this path (default: build dir)")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print every command instead of a progress bar")
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
