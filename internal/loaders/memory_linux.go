//go:build linux

package loaders

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcMemory reads traced processes through /proc/<pid>/mem. The tracer needs
// ptrace read access to the target, which CAP_SYS_PTRACE grants.
type ProcMemory struct{}

func (ProcMemory) ReadUint64(pid uint32, addr uint64) (uint64, error) {
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], int64(addr))
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read at %#x in process %d", addr, pid)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
