package capture

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/mrzor/usdt-capture/internal/layout"
	"github.com/mrzor/usdt-capture/internal/usdt"
)

const (
	labelDrop = "drop"
	labelExit = "exit"

	// Stack slots, relative to the frame pointer.
	scratchSlot = -8
	dropKeySlot = -16
)

// ProgramName is the name the capture program is loaded under.
const ProgramName = "usdt_capture"

// BuildInstructions assembles the capture program for one call site.
//
// The program reserves a record in the ring buffer referenced by eventsFD, writes
// the header, copies every argument with bpf_probe_read_user (which zeroes the
// destination when the source is unreadable), zeroes the padding, stamps
// bpf_ktime_get_ns when the layout has a ts field, and submits. When the ring is
// full it increments the per-CPU counter in dropsFD and returns.
func BuildInstructions(l layout.Layout, args []usdt.Arg, eventsFD, dropsFD int) (asm.Instructions, error) {
	if len(args) < ArgCount {
		return nil, fmt.Errorf("tracepoint passes %d arguments, %d are captured", len(args), ArgCount)
	}

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMapPtr(asm.R1, eventsFD),
		asm.Mov.Imm(asm.R2, int32(l.Size())),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, labelDrop),
		asm.Mov.Reg(asm.R7, asm.R0),

		asm.StoreImm(asm.R7, 0, int64(l.Version), asm.Half),
		asm.StoreImm(asm.R7, 2, int64(l.Size()), asm.Half),
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.R7, 4, asm.R0, asm.Word),
	}

	for _, pad := range l.Padding() {
		for i := 0; i < pad[1]; i++ {
			insns = append(insns, asm.StoreImm(asm.R7, int16(pad[0]+i), 0, asm.Byte))
		}
	}

	for i, f := range l.Fields() {
		insns = append(insns, loadArg(args[i])...)
		insns = append(insns,
			asm.Mov.Reg(asm.R1, asm.R7),
			asm.Add.Imm(asm.R1, int32(f.Offset)),
			asm.Mov.Imm(asm.R2, int32(f.Width)),
			asm.FnProbeReadUser.Call(),
		)
	}

	if l.Timestamp {
		insns = append(insns,
			asm.FnKtimeGetNs.Call(),
			asm.StoreMem(asm.R7, int16(l.TimestampOffset()), asm.R0, asm.DWord),
		)
	}

	insns = append(insns,
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),
		asm.Ja.Label(labelExit),

		asm.StoreImm(asm.RFP, dropKeySlot, 0, asm.Word).WithSymbol(labelDrop),
		asm.LoadMapPtr(asm.R1, dropsFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, dropKeySlot),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelExit),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(labelExit),
		asm.Return(),
	)
	return insns, nil
}

// loadArg leaves the value of a in R3. R6 holds the pt_regs context.
func loadArg(a usdt.Arg) asm.Instructions {
	var insns asm.Instructions
	switch a.Kind {
	case usdt.ArgConst:
		insns = append(insns, asm.LoadImm(asm.R3, a.Offset, asm.DWord))
	case usdt.ArgReg:
		insns = append(insns, asm.LoadMem(asm.R3, asm.R6, a.RegOffset, asm.DWord))
	case usdt.ArgRegDeref:
		insns = append(insns,
			asm.StoreImm(asm.RFP, scratchSlot, 0, asm.DWord),
			asm.LoadMem(asm.R3, asm.R6, a.RegOffset, asm.DWord),
			asm.Add.Imm(asm.R3, int32(a.Offset)),
			asm.Mov.Reg(asm.R1, asm.RFP),
			asm.Add.Imm(asm.R1, scratchSlot),
			asm.Mov.Imm(asm.R2, int32(a.Size)),
			asm.FnProbeReadUser.Call(),
			asm.LoadMem(asm.R3, asm.RFP, scratchSlot, asm.DWord),
		)
	}

	if a.Size < 8 {
		shift := int32(64 - 8*a.Size)
		insns = append(insns, asm.LSh.Imm(asm.R3, shift))
		if a.Signed {
			insns = append(insns, asm.ArSh.Imm(asm.R3, shift))
		} else {
			insns = append(insns, asm.RSh.Imm(asm.R3, shift))
		}
	}
	return insns
}

// NewProgram assembles and loads the capture program for one call site.
func NewProgram(l layout.Layout, args []usdt.Arg, events, drops *ebpf.Map) (*ebpf.Program, error) {
	insns, err := BuildInstructions(l, args, events.FD(), drops.FD())
	if err != nil {
		return nil, err
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         ProgramName,
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: insns,
	})
	if err != nil {
		return nil, fmt.Errorf("loading capture program: %w", err)
	}
	return prog, nil
}
