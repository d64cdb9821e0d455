// Command erasured runs the erasure plan executor: an HTTP control surface
// plus the runner pool, scan scheduler, and artifact retention sweeper.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
