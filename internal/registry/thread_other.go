//go:build !linux

package registry

import "os"

func ThreadID() uint32 { return uint32(os.Getpid()) }
