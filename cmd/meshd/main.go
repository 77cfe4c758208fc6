// Command meshd serves asynchronous 3D mesh processing jobs on GPUs whose
// VRAM it manages.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meshd:", err)
		os.Exit(1)
	}
}
