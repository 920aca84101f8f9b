// graft list, graft clean
package cmd

import (
	"os"

	"github.com/qobs-build/graft/internal/msg"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the declared targets and what each alias expands to",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := loadBuilder().List(cmd.Context(), os.Stdout); err != nil {
			msg.Fatal("%v", err)
		}
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the build directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		b := loadBuilder()
		if err := b.Clean(); err != nil {
			msg.Fatal("%v", err)
		}
		msg.Info("removed %s", b.BuildDir())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cleanCmd)
}
