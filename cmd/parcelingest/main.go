// The main package for the parcelingest executable.
package main

import (
	"github.com/openparcels/parcel-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
