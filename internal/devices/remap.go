// Package devices maps CUDA device ordinals to physical GPU indexes.
package devices

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/ALEYI17/InfraSight_cupti/internal/cupti"
)

// Table is the CUDA ordinal to physical index mapping. A nil Table is the
// identity.
type Table struct {
	physical []int
}

// Identity returns the identity mapping.
func Identity() *Table { return nil }

// Load builds the table from the system NVML library.
func Load(visible string) (*Table, error) {
	return NewTable(nvml.New(), visible)
}

// NewTable queries lib for the devices and resolves visible, a
// CUDA_VISIBLE_DEVICES style list of indexes and UUIDs.
func NewTable(lib nvml.Interface, visible string) (*Table, error) {
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	defer lib.Shutdown()

	count, ret := lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	uuids := make([]string, count)
	for i := 0; i < count; i++ {
		dev, ret := lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("nvml device %d: %s", i, nvml.ErrorString(ret))
		}
		uuid, ret := dev.GetUUID()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("nvml device %d uuid: %s", i, nvml.ErrorString(ret))
		}
		uuids[i] = uuid
	}

	physical, err := visibleDevices(uuids, visible)
	if err != nil {
		return nil, err
	}
	return &Table{physical: physical}, nil
}

func visibleDevices(uuids []string, visible string) ([]int, error) {
	if strings.TrimSpace(visible) == "" {
		all := make([]int, len(uuids))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	var out []int
	for _, entry := range strings.Split(visible, ",") {
		entry = strings.TrimSpace(entry)
		switch {
		case strings.HasPrefix(entry, "MIG-"):
			return nil, fmt.Errorf("MIG device %q is not supported", entry)
		case strings.HasPrefix(entry, "GPU-"):
			idx := -1
			for i, uuid := range uuids {
				if strings.HasPrefix(uuid, entry) {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("unknown device uuid %q", entry)
			}
			out = append(out, idx)
		default:
			idx, err := strconv.Atoi(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid device index %q: %w", entry, err)
			}
			if idx < 0 || idx >= len(uuids) {
				return nil, fmt.Errorf("device index %d out of range, %d devices", idx, len(uuids))
			}
			out = append(out, idx)
		}
	}
	return out, nil
}

// Remap returns the physical index of CUDA ordinal dev.
func (t *Table) Remap(dev cupti.Device) int {
	if t == nil || dev < 0 || int(dev) >= len(t.physical) {
		return int(dev)
	}
	return t.physical[dev]
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.physical)
}
