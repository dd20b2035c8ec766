// fakebomb.go stands in for a bomb binary (used to test outcome classification).
// Usage: fakebomb <kind> [-lines N] [-sleep D] [-signal] [-exit N]
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: fakebomb <kind> [flags]\n")
		os.Exit(1)
	}
	kind := os.Args[1]

	fs := flag.NewFlagSet(kind, flag.ExitOnError)
	lines := fs.Int("lines", 3, "progress lines to write to stderr")
	sleep := fs.Duration("sleep", 0, "how long to wait before exiting")
	signal := fs.Bool("signal", false, "kill itself with SIGKILL")
	exit := fs.Int("exit", 2, "exit status")
	_ = fs.Parse(os.Args[2:])

	for i := 1; i <= *lines; i++ {
		fmt.Fprintf(os.Stderr, "%s %d\n", kind, i)
	}
	time.Sleep(*sleep)

	if *signal {
		_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
		time.Sleep(time.Second)
	}
	os.Exit(*exit)
}
