package main

import "github.com/qobs-build/graft/cmd"

func main() {
	cmd.Execute()
}
