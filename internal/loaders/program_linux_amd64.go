//go:build linux && amd64

package loaders

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// struct pt_regs offsets on x86_64.
const (
	regR8 = 72
	regAX = 80
	regCX = 88
	regDX = 96
	regSI = 104
	regDI = 112
)

// Integer argument registers of the SysV calling convention, in order.
var argRegs = [probeArgs]int16{regDI, regSI, regDX, regCX, regR8}

// probeProgram emits one probeEvent per hit: the monotonic time, the pid and
// tid, the attach cookie and either the argument registers or the return
// value.
func probeProgram(events *ebpf.Map, site uint32) (*ebpf.Program, error) {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.LoadMapPtr(asm.R1, events.FD()),
		asm.Mov.Imm(asm.R2, probeEventSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Reg(asm.R7, asm.R0),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.R7, 0, asm.R0, asm.DWord),
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.R7, 8, asm.R0, asm.DWord),
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.FnGetAttachCookie.Call(),
		asm.StoreMem(asm.R7, 16, asm.R0, asm.Word),
		asm.StoreImm(asm.R7, 20, int64(site), asm.Word),
	}

	for i, reg := range argRegs {
		off := int16(24 + 8*i)
		switch {
		case site == siteEnter:
			insns = append(insns, asm.LoadMem(asm.R1, asm.R6, reg, asm.DWord))
		case i == 0:
			insns = append(insns, asm.LoadMem(asm.R1, asm.R6, regAX, asm.DWord))
		default:
			insns = append(insns, asm.Mov.Imm(asm.R1, 0))
		}
		insns = append(insns, asm.StoreMem(asm.R7, off, asm.R1, asm.DWord))
	}

	insns = append(insns,
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	)

	return ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         progName(site),
		Type:         ebpf.Kprobe,
		Instructions: insns,
		License:      "Dual MIT/GPL",
	})
}

func progName(site uint32) string {
	if site == siteEnter {
		return "cuda_api_enter"
	}
	return "cuda_api_exit"
}

func newEventsMap() (*ebpf.Map, error) {
	return ebpf.NewMap(&ebpf.MapSpec{
		Name:       "cuda_api_events",
		Type:       ebpf.RingBuf,
		MaxEntries: 1 << 22,
	})
}
