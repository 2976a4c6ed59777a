package main

import (
	"github.com/JakeFAU/rank-tracker/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
