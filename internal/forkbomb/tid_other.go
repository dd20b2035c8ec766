//go:build !linux

package forkbomb

import "os"

// No portable thread id outside Linux. Lines carry the pid under its own
// key and are told apart by loop.
const threadIDKey = "pid"

func threadID() int {
	return os.Getpid()
}
