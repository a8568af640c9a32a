package tracer

import "github.com/cydbg/cydbg/internal/tracerr"

// syscallOpcode is the x86-64 SYSCALL instruction.
var syscallOpcode = [2]byte{0x0F, 0x05}

// pageMask rounds an address down to its containing 4KiB page.
const pageMask = ^uint64(0xFFF)

// Syscall injects a synthetic syscall into the stopped tracee: it
// page-aligns RIP down to P = RIP & ~0xFFF, overwrites the two bytes at
// P with SYSCALL, loads the Linux x86-64 syscall argument registers with
// RIP pointed at P, executes exactly one instruction, captures the
// return value from RAX, then restores the original bytes at P and the
// tracee's full register state so execution can resume as though the
// injection never happened. This clobbers whatever two bytes live at
// the page base for the instant of the injection (see DESIGN.md).
func (t *Tracer) Syscall(num uint64, args [6]uint64) (uint64, error) {
	saved, err := t.AllRegisters()
	if err != nil {
		return 0, err
	}
	site := saved.Rip & pageMask

	var origBytes [2]byte
	if err := t.ReadMemory(site, origBytes[:]); err != nil {
		return 0, tracerr.Wrap(tracerr.MemoryFault, err, "read syscall injection site")
	}
	if err := t.WriteMemory(site, syscallOpcode[:]); err != nil {
		return 0, tracerr.Wrap(tracerr.MemoryFault, err, "write syscall opcode")
	}

	work := saved
	work.Rax = num
	work.Rip = site
	work.Rdi, work.Rsi, work.Rdx, work.R10, work.R8, work.R9 =
		args[0], args[1], args[2], args[3], args[4], args[5]
	if err := t.setAllRegisters(work); err != nil {
		t.WriteMemory(site, origBytes[:])
		return 0, err
	}

	if err := t.b.singleStep(t.pid); err != nil {
		t.WriteMemory(site, origBytes[:])
		t.setAllRegisters(saved)
		return 0, tracerr.Wrap(tracerr.OsError, err, "ptrace singlestep (syscall injection)")
	}
	if _, err := t.wait(); err != nil {
		t.WriteMemory(site, origBytes[:])
		t.setAllRegisters(saved)
		return 0, err
	}

	after, err := t.AllRegisters()
	if err != nil {
		return 0, err
	}
	ret := after.Rax

	if err := t.WriteMemory(site, origBytes[:]); err != nil {
		return 0, err
	}
	if err := t.setAllRegisters(saved); err != nil {
		return 0, err
	}
	return ret, nil
}
