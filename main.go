// The main package for the ingestd executable.
package main

import (
	"github.com/contextive/ingest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
