//go:build linux

package forkbomb

import "golang.org/x/sys/unix"

const threadIDKey = "tid"

func threadID() int {
	return unix.Gettid()
}
