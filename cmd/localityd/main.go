// Command localityd runs workloads on a locality domain and works with
// state machine descriptor files.
package main

import (
	"fmt"
	"os"

	"github.com/Swind/go-locality-runner/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
