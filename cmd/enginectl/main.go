// Command enginectl is the operator CLI for a running engine.
package main

import (
	"os"

	"github.com/coachpo/execguard/cmd/enginectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
