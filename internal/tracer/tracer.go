// Package tracer implements the ptrace-based tracing engine: process
// spawn, breakpoint insertion/removal, single-step and continue,
// word-granular memory access, register access, synthetic syscall
// injection, and frame-pointer stack walking.
package tracer

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cydbg/cydbg/internal/arch"
	"github.com/cydbg/cydbg/internal/tracerr"
)

// Status is the coarse outcome of a wait on the tracee.
type Status int

const (
	StatusStopped Status = iota
	StatusExited
	StatusSignaled
)

// Event reports what stopped the tracee. BreakpointHit and PC are only
// meaningful when Status is StatusStopped and Signal is SIGTRAP and a
// known breakpoint address was hit; PC is then the breakpoint's
// address, with RIP already rewound onto it and the breakpoint's INT3
// temporarily lifted.
type Event struct {
	Status        Status
	ExitCode      int
	Signal        unix.Signal
	BreakpointHit bool
	PC            uint64
}

// latchState models the single hit-latch the tracing engine carries: at
// most one breakpoint can be "currently stepping over" at a time in a
// single-threaded tracee, so this is a two-value state. Tracer keeps the
// breakpoint being stepped over in a separate latchBP field, which is
// set and cleared together with the state (see DESIGN.md's note on the
// hit-latch redesign).
type latchState int

const (
	latchFree latchState = iota
	latchSteppingOver
)

// Tracer drives a single traced child process.
type Tracer struct {
	b       backend
	pid     int
	bps     *breakpointTable
	started bool
	exited  bool

	latch   latchState
	latchBP *breakpoint
}

// New creates a Tracer backed by real ptrace.
func New() *Tracer {
	return &Tracer{b: newPtraceBackend(), bps: newBreakpointTable()}
}

func newWithBackend(b backend) *Tracer {
	return &Tracer{b: b, bps: newBreakpointTable()}
}

// Pid returns the traced process's pid. Valid only after Spawn.
func (t *Tracer) Pid() int { return t.pid }

// Running reports whether there is a live tracee right now, for callers
// (the REPL) that need to print a "no child process" diagnostic instead
// of raising ChildGone.
func (t *Tracer) Running() bool { return t.running() }

// running reports whether there is a live tracee breakpoints can be
// injected into right now.
func (t *Tracer) running() bool {
	return t.started && !t.exited
}

// Spawn kills any existing tracee, forks and execs path with args,
// stopping the child immediately after exec (PTRACE_TRACEME delivers a
// SIGTRAP there). The caller is expected to run post-spawn bootstrap and
// then call ReinjectAll before resuming the tracee.
func (t *Tracer) Spawn(path string, args []string) (Event, error) {
	if err := t.Kill(); err != nil {
		return Event{}, err
	}

	argv := append([]string{path}, args...)
	pid, err := t.b.startTraced(path, argv, os.Environ())
	if err != nil {
		return Event{}, tracerr.Wrap(tracerr.SpawnFailed, err, "spawn "+path)
	}
	t.pid = pid
	t.started = true
	t.exited = false
	t.latch = latchFree
	t.latchBP = nil

	ev, err := t.wait()
	if err != nil {
		return Event{}, err
	}
	if ev.Status != StatusStopped || ev.Signal != unix.SIGTRAP {
		return Event{}, tracerr.New(tracerr.SpawnFailed, "expected initial SIGTRAP after exec, got %+v", ev)
	}
	return ev, nil
}

// wait blocks for the next wait status on the tracee and classifies it.
// It does not interpret SIGTRAP specially; callers that care whether a
// SIGTRAP landed on a breakpoint call handleBreakpointTrap themselves.
func (t *Tracer) wait() (Event, error) {
	_, status, err := t.b.wait(t.pid)
	if err != nil {
		return Event{}, tracerr.Wrap(tracerr.OsError, err, "wait")
	}
	switch {
	case status.Exited():
		ev := Event{Status: StatusExited, ExitCode: status.ExitStatus()}
		t.onChildGone()
		return ev, nil
	case status.Signaled():
		ev := Event{Status: StatusSignaled, Signal: status.Signal()}
		t.onChildGone()
		return ev, nil
	case status.Stopped():
		return Event{Status: StatusStopped, Signal: status.StopSignal()}, nil
	default:
		return Event{}, tracerr.New(tracerr.InternalError, "unrecognized wait status %v", status)
	}
}

// onChildGone marks every breakpoint as no longer injected (there is no
// tracee memory left to hold the 0xCC byte) and clears the hit-latch.
func (t *Tracer) onChildGone() {
	t.exited = true
	t.latch = latchFree
	t.latchBP = nil
	for _, bp := range t.bps.all() {
		bp.injected = false
	}
}

// Continue resumes the tracee. If the hit-latch is set from a previous
// stop, it first single-steps the tracee past the original instruction
// at that breakpoint and reinstates its INT3. It then issues
// PTRACE_CONT and waits; if the tracee stops on a known breakpoint, RIP
// is rewound onto it, the breakpoint is lifted, and the hit-latch is
// set so the next Continue/StepInto steps over it.
func (t *Tracer) Continue() (Event, error) {
	if err := t.stepOverLatchedBreakpoint(); err != nil {
		return Event{}, err
	}
	if err := t.b.cont(t.pid, 0); err != nil {
		return Event{}, tracerr.Wrap(tracerr.OsError, err, "ptrace cont")
	}
	ev, err := t.wait()
	if err != nil {
		return ev, err
	}
	if ev.Status == StatusStopped && ev.Signal == unix.SIGTRAP {
		if _, err := t.handleBreakpointTrap(&ev); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// StepInto executes exactly one instruction. If the tracee is currently
// stopped at a lifted breakpoint (the hit-latch is set), stepping over
// that breakpoint's original instruction and reinstating its INT3 is
// itself the one instruction executed. Otherwise it single-steps
// normally and, if that step lands on a breakpoint's INT3, applies the
// same rewind-and-lift handling Continue does.
func (t *Tracer) StepInto() (Event, error) {
	if t.latch == latchSteppingOver {
		bp := t.latchBP
		if err := t.stepOverLatchedBreakpoint(); err != nil {
			return Event{}, err
		}
		return Event{Status: StatusStopped, Signal: unix.SIGTRAP, BreakpointHit: false, PC: bp.addr}, nil
	}
	if err := t.b.singleStep(t.pid); err != nil {
		return Event{}, tracerr.Wrap(tracerr.OsError, err, "ptrace singlestep")
	}
	ev, err := t.wait()
	if err != nil {
		return ev, err
	}
	if ev.Status == StatusStopped {
		if ev.Signal != unix.SIGTRAP {
			return ev, tracerr.New(tracerr.InternalError, "single-step stopped by unexpected signal %v", ev.Signal)
		}
		if _, err := t.handleBreakpointTrap(&ev); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

// handleBreakpointTrap checks whether a SIGTRAP stop landed one byte
// past a known, injected breakpoint (the standard INT3 trap-after
// behavior). If so it rewinds RIP onto the breakpoint's address, lifts
// the breakpoint, arms the hit-latch so the next continue/step restores
// it, and annotates ev.
func (t *Tracer) handleBreakpointTrap(ev *Event) (bool, error) {
	rip, err := t.ReadRegister(RIP, 8)
	if err != nil {
		return false, err
	}
	bp, ok := t.bps.get(rip - 1)
	if !ok || !bp.injected {
		return false, nil
	}
	if err := t.WriteRegister(RIP, rip-1, 8); err != nil {
		return false, err
	}
	if err := t.uninjectBreakpoint(bp); err != nil {
		return false, err
	}
	t.latch = latchSteppingOver
	t.latchBP = bp
	ev.BreakpointHit = true
	ev.PC = bp.addr
	return true, nil
}

// stepOverLatchedBreakpoint, when the hit-latch is set, single-steps the
// tracee past the original instruction at the latched breakpoint (whose
// INT3 is currently lifted) and reinstates the INT3, clearing the latch.
// No-op when the latch is free.
func (t *Tracer) stepOverLatchedBreakpoint() error {
	if t.latch != latchSteppingOver {
		return nil
	}
	bp := t.latchBP
	if err := t.b.singleStep(t.pid); err != nil {
		return tracerr.Wrap(tracerr.OsError, err, "ptrace singlestep (breakpoint step-over)")
	}
	if _, err := t.wait(); err != nil {
		return err
	}
	if err := t.injectBreakpoint(bp); err != nil {
		return err
	}
	t.latch = latchFree
	t.latchBP = nil
	return nil
}

// Kill terminates the tracee unconditionally (SIGKILL) and waits for it
// to be reaped. It is a no-op if there is no tracee, and swallows ESRCH
// (the tracee already being gone), since teardown is best-effort.
func (t *Tracer) Kill() error {
	if !t.running() {
		return nil
	}
	if err := t.b.kill(t.pid, int(unix.SIGKILL)); err != nil && !errors.Is(err, unix.ESRCH) {
		return tracerr.Wrap(tracerr.OsError, err, "kill")
	}
	t.b.wait(t.pid)
	t.onChildGone()
	return nil
}

// injectBreakpoint writes 0xCC at bp.addr, remembering the byte it
// overwrote. No-op if already injected.
func (t *Tracer) injectBreakpoint(bp *breakpoint) error {
	if bp.injected {
		return nil
	}
	orig, err := t.peekByte(bp.addr)
	if err != nil {
		return err
	}
	if err := t.pokeByte(bp.addr, breakpointOpcodeByte); err != nil {
		return err
	}
	bp.orig = orig
	bp.injected = true
	return nil
}

// uninjectBreakpoint restores the original byte at bp.addr. No-op if
// not injected.
func (t *Tracer) uninjectBreakpoint(bp *breakpoint) error {
	if !bp.injected {
		return nil
	}
	if err := t.pokeByte(bp.addr, bp.orig); err != nil {
		return err
	}
	bp.injected = false
	return nil
}

// SetBreakpoint records addr as a breakpoint. If a tracee is currently
// running, its INT3 is injected immediately; otherwise the breakpoint
// is re-injected the next time ReinjectAll runs (normally right after
// the next Spawn). No-op if addr is already a breakpoint.
func (t *Tracer) SetBreakpoint(addr uint64) error {
	if t.bps.has(addr) {
		return nil
	}
	bp := t.bps.add(addr)
	if t.running() {
		return t.injectBreakpoint(bp)
	}
	return nil
}

// ClearBreakpoint restores the original byte at addr (if injected) and
// forgets it. No-op if addr is not a breakpoint.
func (t *Tracer) ClearBreakpoint(addr uint64) error {
	bp, ok := t.bps.get(addr)
	if !ok {
		return nil
	}
	if err := t.uninjectBreakpoint(bp); err != nil {
		return err
	}
	if t.latchBP == bp {
		t.latch = latchFree
		t.latchBP = nil
	}
	t.bps.remove(addr)
	return nil
}

// ReinjectAll injects every breakpoint not currently injected. Called
// once per spawn, after post-spawn bootstrap has run, so that
// breakpoints set before the tracee existed (or left over from a
// now-dead tracee) land in the freshly exec'd process's memory.
func (t *Tracer) ReinjectAll() error {
	for _, bp := range t.bps.all() {
		if err := t.injectBreakpoint(bp); err != nil {
			return err
		}
	}
	return nil
}

// RebaseBreakpoints shifts every breakpoint address in the table by
// base, for the one-time PIE rebase post-spawn bootstrap performs. The
// shifted breakpoints are left uninjected; the caller is expected to
// follow with ReinjectAll to write their INT3 bytes into the rebased
// tracee.
func (t *Tracer) RebaseBreakpoints(base uint64) {
	if base == 0 {
		return
	}
	old := t.bps.all()
	t.bps = newBreakpointTable()
	for _, bp := range old {
		t.bps.add(bp.addr + base)
	}
}

// Breakpoints lists every currently recorded breakpoint address.
func (t *Tracer) Breakpoints() []uint64 {
	bps := t.bps.all()
	out := make([]uint64, len(bps))
	for i, bp := range bps {
		out[i] = bp.addr
	}
	return out
}

func (t *Tracer) peekByte(addr uint64) (byte, error) {
	buf := make([]byte, 1)
	if err := t.ReadMemory(addr, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (t *Tracer) pokeByte(addr uint64, b byte) error {
	return t.WriteMemory(addr, []byte{b})
}

// ReadMemory fills out with len(out) bytes starting at addr, peeking one
// 8-byte word at a time and keeping only the bytes the caller asked for
// from a word that straddles the end of the requested range.
func (t *Tracer) ReadMemory(addr uint64, out []byte) error {
	n := len(out)
	for i := 0; i < n; i += arch.WordSize {
		word, err := t.b.peekWord(t.pid, uintptr(addr)+uintptr(i))
		if err != nil {
			return tracerr.Wrap(tracerr.MemoryFault, err, "read memory")
		}
		var buf [arch.WordSize]byte
		putLeUint64(buf[:], word)
		copy(out[i:], buf[:])
	}
	return nil
}

// WriteMemory writes data at addr. A trailing partial word is handled by
// peeking the existing word, overwriting its low len(tail) bytes with
// the caller's remaining data, and poking the whole word back — the
// tail bytes always land at the low end of the transfer unit, matching
// how a full-word transfer addresses its first byte.
func (t *Tracer) WriteMemory(addr uint64, data []byte) error {
	n := len(data)
	for i := 0; i < n; i += arch.WordSize {
		remaining := n - i
		wordAddr := uintptr(addr) + uintptr(i)
		if remaining >= arch.WordSize {
			if err := t.b.pokeWord(t.pid, wordAddr, leUint64(data[i:i+arch.WordSize])); err != nil {
				return tracerr.Wrap(tracerr.MemoryFault, err, "write memory")
			}
			continue
		}
		old, err := t.b.peekWord(t.pid, wordAddr)
		if err != nil {
			return tracerr.Wrap(tracerr.MemoryFault, err, "write memory (read-modify-write)")
		}
		var buf [arch.WordSize]byte
		putLeUint64(buf[:], old)
		copy(buf[:remaining], data[i:])
		if err := t.b.pokeWord(t.pid, wordAddr, leUint64(buf[:])); err != nil {
			return tracerr.Wrap(tracerr.MemoryFault, err, "write memory")
		}
	}
	return nil
}

// ReadRegister returns the low width bytes of register r.
func (t *Tracer) ReadRegister(r Register, width int) (uint64, error) {
	mask, err := widthMask(width)
	if err != nil {
		return 0, err
	}
	var regs unix.PtraceRegs
	if err := t.b.getRegs(t.pid, &regs); err != nil {
		return 0, tracerr.Wrap(tracerr.OsError, err, "get regs")
	}
	ref := regRef(&regs, r)
	if ref == nil {
		return 0, tracerr.New(tracerr.BadArgument, "unknown register")
	}
	return *ref & mask, nil
}

// WriteRegister overwrites the low width bytes of register r, leaving
// its higher bytes untouched.
func (t *Tracer) WriteRegister(r Register, value uint64, width int) error {
	mask, err := widthMask(width)
	if err != nil {
		return err
	}
	var regs unix.PtraceRegs
	if err := t.b.getRegs(t.pid, &regs); err != nil {
		return tracerr.Wrap(tracerr.OsError, err, "get regs")
	}
	ref := regRef(&regs, r)
	if ref == nil {
		return tracerr.New(tracerr.BadArgument, "unknown register")
	}
	*ref = (*ref &^ mask) | (value & mask)
	if err := t.b.setRegs(t.pid, &regs); err != nil {
		return tracerr.Wrap(tracerr.OsError, err, "set regs")
	}
	return nil
}

// AllRegisters returns a full register snapshot, used for saving and
// restoring state around a syscall injection.
func (t *Tracer) AllRegisters() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := t.b.getRegs(t.pid, &regs); err != nil {
		return regs, tracerr.Wrap(tracerr.OsError, err, "get regs")
	}
	return regs, nil
}

func (t *Tracer) setAllRegisters(regs unix.PtraceRegs) error {
	if err := t.b.setRegs(t.pid, &regs); err != nil {
		return tracerr.Wrap(tracerr.OsError, err, "set regs")
	}
	return nil
}

// Frame is one stack frame: the return address and the frame pointer
// that chains to the next frame.
type Frame struct {
	PC uint64
	FP uint64
}

// Backtrace walks the frame-pointer chain starting at the current RBP,
// reading [fp] as the saved RBP and [fp+8] as the return address.
// Walking stops as soon as a read fails (a genuine memory fault, not a
// sentinel value) or the chain reaches a null frame pointer — the
// natural terminator libc's _start leaves at the bottom of the stack —
// or once maxFrames frames have been collected.
func (t *Tracer) Backtrace(maxFrames int) ([]Frame, error) {
	rip, err := t.ReadRegister(RIP, 8)
	if err != nil {
		return nil, err
	}
	fp, err := t.ReadRegister(RBP, 8)
	if err != nil {
		return nil, err
	}

	frames := []Frame{{PC: rip, FP: fp}}
	for len(frames) < maxFrames {
		var buf [16]byte
		if err := t.ReadMemory(fp, buf[:]); err != nil {
			break
		}
		savedFP := leUint64(buf[0:8])
		retAddr := leUint64(buf[8:16])
		if savedFP == 0 || retAddr == 0 {
			break
		}
		frames = append(frames, Frame{PC: retAddr, FP: savedFP})
		fp = savedFP
	}
	return frames, nil
}
