// Command ontime runs the transit reliability pipeline: a schedule
// matching engine, a score aggregation engine, and the admin API that
// triggers them.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
