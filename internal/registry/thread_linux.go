//go:build linux

package registry

import "golang.org/x/sys/unix"

// ThreadID is the kernel id of the calling OS thread.
func ThreadID() uint32 { return uint32(unix.Gettid()) }
