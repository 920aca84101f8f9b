// graft init [name], graft new [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/graft/internal/builder"
	"github.com/qobs-build/graft/internal/msg"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "graft"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

const tomlTargets = `
[[program]]
name = "{{name}}"
entry = "main.cxx"
sources = ["*.cpp"]
aliases = ["{{name}}"]

[[test]]
name = "test-{{name}}"
sources = ["*.cpp", "tests/*.cpp"]
aliases = ["tests"]
`

const scriptTargets = `objs = glob("*.cpp")
tests = glob("tests/*.cpp")

prog = program("{{name}}", entry = "main.cxx", objects = [objs])
alias("{{name}}", prog)

runner = test_runner("test-{{name}}", objects = [objs + tests])
alias("tests", runner)

aggregate("all")
`

// initIn initializes a project in an existing directory
func initIn(dir, name string, script bool) {
	config := `[project]
name = "{{name}}"
`
	if script {
		config += `script = "SConscript.star"
`
	} else {
		config += tomlTargets
	}
	config += `
[toolchain]
cflags = ["-Wall"]

[aliases]
`
	writefile(strings.ReplaceAll(config, "{{name}}", name), dir, builder.ConfigFilename)
	if script {
		writefile(strings.ReplaceAll(scriptTargets, "{{name}}", name), dir, "SConscript.star")
	}

	mkdir(dir, "tests")

	// greet.cpp
	writefile(`#include <cstdio>

void greet(const char *who) {
    std::printf("Hello, %s!\n", who);
}
`, dir, "greet.cpp")

	// main.cxx
	writefile(`void greet(const char *who);

int main() {
    greet("World");
    return 0;
}
`, dir, "main.cxx")

	// tests/TestGreet.cpp
	writefile(`void greet(const char *who);

int main() {
    greet("tests");
    return 0;
}
`, dir, "tests", "TestGreet.cpp")

	// .gitignore
	writefile(`build/
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("You can now do %s to build, or %s to build and run.\n",
		color.HiCyanString(programName+" -C "+dir),
		color.HiCyanString(programName+" -C "+dir+" run "+name))
}

var script bool

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new project in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(".", args[0], script)
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new project in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]), script)
	},
}

func init() {
	// graft init subcommand
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&script, "script", "s", false, "Declare targets in a SConscript.star build script")

	// graft new subcommand
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().BoolVarP(&script, "script", "s", false, "Declare targets in a SConscript.star build script")
}
