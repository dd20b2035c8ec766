// allocmem.go grows memory 1MB at a time up to N megabytes (used to test memory limits).
// Usage: allocmem <megabytes>
package main

import (
	"fmt"
	"os"
	"strconv"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: allocmem <megabytes>\n")
		os.Exit(1)
	}

	mb, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid megabytes: %s\n", os.Args[1])
		os.Exit(1)
	}

	chunks := make([][]byte, 0, mb)
	for i := 0; i < mb; i++ {
		chunk := make([]byte, 1<<20)
		for j := 0; j < len(chunk); j += 4096 {
			chunk[j] = 1 // touch each page
		}
		chunks = append(chunks, chunk)
		fmt.Fprintf(os.Stderr, "%d %dM\n", i+1, len(chunks))
	}

	fmt.Fprintf(os.Stdout, "allocated %d MB\n", len(chunks))
}
