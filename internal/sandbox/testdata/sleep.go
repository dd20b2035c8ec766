// Command sleep idles for a duration so a sandbox can be inspected while the
// child is alive.
// Usage: sleep <duration>   e.g. sleep 10s
package main

import (
	"fmt"
	"os"
	"time"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sleep <duration>")
		os.Exit(1)
	}

	d, err := time.ParseDuration(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid duration %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	time.Sleep(d)
}
