// The main package for the verifier executable.
package main

import (
	"github.com/JakeFAU/assertion-verifier/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
