//go:build !linux

package loaders

import "errors"

type ProcMemory struct{}

func (ProcMemory) ReadUint64(pid uint32, addr uint64) (uint64, error) {
	return 0, errors.New("reading process memory is only supported on linux")
}
