// graft run <program> [args...]
package cmd

import (
	"github.com/qobs-build/graft/internal/msg"
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) {
	b := loadBuilder()
	// other arguments are passed to the program
	if err := b.BuildAndRun(cmd.Context(), args[0], args[1:], buildOptions(nil)); err != nil {
		msg.Fatal("%v", err)
	}
}

var runCmd = &cobra.Command{
	Use:               "run <program> [args...]",
	Short:             "Build and run a program target",
	Args:              cobra.MinimumNArgs(1),
	Run:               doRun,
	ValidArgsFunction: completeTargets,
}

func init() {
	// graft run subcommand
	rootCmd.AddCommand(runCmd)
	addBuildFlags(runCmd)
	// everything after the program name belongs to the program
	runCmd.Flags().SetInterspersed(false)
}
