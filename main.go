// The main package for the parcelingest executable.
package main

import (
	"github.com/openparcels/parcel-ingest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
