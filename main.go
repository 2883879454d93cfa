// The main package for the ingestworker executable.
package main

import (
	"github.com/JakeFAU/ingest-worker/cmd"
)

func main() {
	cmd.Execute()
}
