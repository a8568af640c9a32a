// Package arch holds the x86-64-specific constants the tracing engine
// needs. This debugger only ever attaches to x86-64 tracees, so there is
// a single fixed set of constants rather than a per-architecture table.
package arch

// BreakpointOpcode is the x86 INT 3 instruction: the single byte that
// traps control back to the tracer.
const BreakpointOpcode = 0xCC

// WordSize is the size, in bytes, of a ptrace PEEKDATA/POKEDATA transfer
// unit on amd64.
const WordSize = 8

// PointerSize is the size, in bytes, of a pointer in the tracee.
const PointerSize = 8

// ValidRegisterWidths enumerates the byte widths ReadRegister and
// WriteRegister accept, mirroring the sub-register views (AL/AX/EAX/RAX)
// the x86-64 ABI exposes.
var ValidRegisterWidths = map[int]bool{1: true, 2: true, 4: true, 8: true}
