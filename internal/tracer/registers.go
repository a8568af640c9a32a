package tracer

import (
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cydbg/cydbg/internal/arch"
	"github.com/cydbg/cydbg/internal/tracerr"
)

// Register is the closed enumeration of the 27 general-purpose and
// segment registers on x86-64, in the order user_regs_struct lays them
// out.
type Register int

const (
	R15 Register = iota
	R14
	R13
	R12
	RBP
	RBX
	R11
	R10
	R9
	R8
	RAX
	RCX
	RDX
	RSI
	RDI
	OrigRAX
	RIP
	CS
	EFLAGS
	RSP
	SS
	FSBase
	GSBase
	DS
	ES
	FS
	GS
)

var registerNames = map[string]Register{
	"r15": R15, "r14": R14, "r13": R13, "r12": R12,
	"rbp": RBP, "rbx": RBX, "r11": R11, "r10": R10,
	"r9": R9, "r8": R8, "rax": RAX, "rcx": RCX,
	"rdx": RDX, "rsi": RSI, "rdi": RDI,
	"orig_rax": OrigRAX, "rip": RIP, "cs": CS,
	"eflags": EFLAGS, "rsp": RSP, "ss": SS,
	"fs_base": FSBase, "gs_base": GSBase,
	"ds": DS, "es": ES, "fs": FS, "gs": GS,
}

// ParseRegister resolves a register name (case-insensitively) such as
// "rsi" or "RIP" to its Register value.
func ParseRegister(name string) (Register, bool) {
	r, ok := registerNames[strings.ToLower(name)]
	return r, ok
}

// regRef returns a pointer to the field of regs backing r, so callers can
// read or overwrite it in place.
func regRef(regs *unix.PtraceRegs, r Register) *uint64 {
	switch r {
	case R15:
		return &regs.R15
	case R14:
		return &regs.R14
	case R13:
		return &regs.R13
	case R12:
		return &regs.R12
	case RBP:
		return &regs.Rbp
	case RBX:
		return &regs.Rbx
	case R11:
		return &regs.R11
	case R10:
		return &regs.R10
	case R9:
		return &regs.R9
	case R8:
		return &regs.R8
	case RAX:
		return &regs.Rax
	case RCX:
		return &regs.Rcx
	case RDX:
		return &regs.Rdx
	case RSI:
		return &regs.Rsi
	case RDI:
		return &regs.Rdi
	case OrigRAX:
		return &regs.Orig_rax
	case RIP:
		return &regs.Rip
	case CS:
		return &regs.Cs
	case EFLAGS:
		return &regs.Eflags
	case RSP:
		return &regs.Rsp
	case SS:
		return &regs.Ss
	case FSBase:
		return &regs.Fs_base
	case GSBase:
		return &regs.Gs_base
	case DS:
		return &regs.Ds
	case ES:
		return &regs.Es
	case FS:
		return &regs.Fs
	case GS:
		return &regs.Gs
	default:
		return nil
	}
}

// widthMask returns the bitmask for the low width bytes of a 64-bit
// register, validating that width is one of the four sub-register
// widths the x86-64 ABI exposes (AL/AX/EAX/RAX and friends).
func widthMask(width int) (uint64, error) {
	if !arch.ValidRegisterWidths[width] {
		return 0, tracerr.New(tracerr.BadArgument, "unsupported register width %d", width)
	}
	if width == 8 {
		return ^uint64(0), nil
	}
	return (uint64(1) << (8 * uint(width))) - 1, nil
}
