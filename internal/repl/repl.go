// Package repl implements the line-oriented command front-end: a verb
// dispatcher over the session's tracing engine, fed by a plain
// bufio.Scanner loop. There is no readline-style input editor; each
// line is read whole and tokenized on whitespace.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cydbg/cydbg/internal/session"
	"github.com/cydbg/cydbg/internal/syscallnum"
	"github.com/cydbg/cydbg/internal/tracer"
	"github.com/cydbg/cydbg/internal/tracerr"
)

// Prompt is printed before every command line.
const Prompt = "cydbg> "

const helpText = `commands:
  b/brk/break/breakpoint ADDR           insert breakpoint
  bt/backtrace                          print backtrace with resolved symbols
  c/continue                            continue
  si/stepin                             single-step
  rr/readreg REG                        read 8 bytes of REG, print hex
  wr/writereg REG WIDTH VALUE           write low WIDTH bytes of REG
  x/readmem ADDR SIZE                   read SIZE bytes, print as one hex value
  set/writemem ADDR SIZE VALUE          write low SIZE bytes of VALUE
  sc/syscall NUM A0 A1 A2 A3 A4 A5      inject syscall NUM, print return value
  q/quit                                exit`

// REPL drives one Session from an input stream to an output stream.
type REPL struct {
	sess *session.Session
	in   *bufio.Scanner
	out  io.Writer
	log  *slog.Logger
}

// New builds a REPL reading commands from in and writing output to out.
func New(sess *session.Session, in io.Reader, out io.Writer, log *slog.Logger) *REPL {
	return &REPL{sess: sess, in: bufio.NewScanner(in), out: out, log: log}
}

// Run reads commands until EOF, dispatching each line to a verb
// handler. Every engine error is caught and reported here; the loop
// always continues to the next line regardless of a command's outcome.
func (r *REPL) Run() {
	for {
		fmt.Fprint(r.out, Prompt)
		if !r.in.Scan() {
			return
		}
		line := r.in.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "q" || fields[0] == "quit" {
			return
		}
		r.dispatch(fields[0], fields[1:])
	}
}

func (r *REPL) dispatch(verb string, args []string) {
	var err error
	switch verb {
	case "b", "brk", "break", "breakpoint":
		err = r.cmdBreak(args)
	case "bt", "backtrace":
		err = r.cmdBacktrace(args)
	case "c", "continue":
		err = r.cmdContinue(args)
	case "si", "stepin":
		err = r.cmdStepInto(args)
	case "rr", "readreg":
		err = r.cmdReadReg(args)
	case "wr", "writereg":
		err = r.cmdWriteReg(args)
	case "x", "readmem":
		err = r.cmdReadMem(args)
	case "set", "writemem":
		err = r.cmdWriteMem(args)
	case "sc", "syscall":
		err = r.cmdSyscall(args)
	default:
		fmt.Fprintln(r.out, helpText)
		return
	}
	if err != nil {
		r.report(err)
	}
}

// report prints an engine error. A ChildGone error surfaced from the
// REPL boundary prints as a plain diagnostic instead of looking like a
// crash; everything else prints its message after an "error: " prefix.
func (r *REPL) report(err error) {
	if tracerr.Is(err, tracerr.ChildGone) {
		fmt.Fprintln(r.out, "no child process")
		return
	}
	fmt.Fprintf(r.out, "error: %v\n", err)
}

func (r *REPL) requireChild() error {
	if !r.sess.Tr.Running() {
		return tracerr.New(tracerr.ChildGone, "no child process")
	}
	return nil
}

func (r *REPL) cmdBreak(args []string) error {
	if len(args) != 1 {
		return tracerr.New(tracerr.BadArgument, "usage: b ADDR")
	}
	addr, err := r.resolveAddr(args[0])
	if err != nil {
		return err
	}
	if err := r.sess.Tr.SetBreakpoint(addr); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "breakpoint set at 0x%x\n", addr)
	return nil
}

func (r *REPL) cmdBacktrace(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	frames, err := r.sess.Tr.Backtrace(256)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if name, ok := r.lookupAddr(f.PC); ok {
			fmt.Fprintf(r.out, "#%d 0x%x in %s\n", i, f.PC, name)
		} else {
			fmt.Fprintf(r.out, "#%d 0x%x\n", i, f.PC)
		}
	}
	return nil
}

func (r *REPL) cmdContinue(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	ev, err := r.sess.Tr.Continue()
	if err != nil {
		return err
	}
	r.reportEvent(ev)
	return nil
}

func (r *REPL) cmdStepInto(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	ev, err := r.sess.Tr.StepInto()
	if err != nil {
		return err
	}
	r.reportEvent(ev)
	return nil
}

func (r *REPL) reportEvent(ev tracer.Event) {
	switch ev.Status {
	case tracer.StatusExited:
		fmt.Fprintf(r.out, "exited with code %d\n", ev.ExitCode)
	case tracer.StatusSignaled:
		fmt.Fprintf(r.out, "terminated by signal %v\n", ev.Signal)
	case tracer.StatusStopped:
		if ev.BreakpointHit {
			if name, ok := r.lookupAddr(ev.PC); ok {
				fmt.Fprintf(r.out, "stopped at breakpoint 0x%x in %s\n", ev.PC, name)
			} else {
				fmt.Fprintf(r.out, "stopped at breakpoint 0x%x\n", ev.PC)
			}
		} else {
			fmt.Fprintf(r.out, "stopped by signal %v\n", ev.Signal)
		}
	}
}

func (r *REPL) cmdReadReg(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	if len(args) != 1 {
		return tracerr.New(tracerr.BadArgument, "usage: rr REG")
	}
	reg, ok := tracer.ParseRegister(args[0])
	if !ok {
		return tracerr.New(tracerr.BadArgument, "unknown register %q", args[0])
	}
	v, err := r.sess.Tr.ReadRegister(reg, 8)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "0x%x\n", v)
	return nil
}

func (r *REPL) cmdWriteReg(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	if len(args) != 3 {
		return tracerr.New(tracerr.BadArgument, "usage: wr REG WIDTH VALUE")
	}
	reg, ok := tracer.ParseRegister(args[0])
	if !ok {
		return tracerr.New(tracerr.BadArgument, "unknown register %q", args[0])
	}
	width, err := strconv.Atoi(args[1])
	if err != nil {
		return tracerr.New(tracerr.BadArgument, "bad width %q", args[1])
	}
	value, err := parseHexValue(args[2])
	if err != nil {
		return err
	}
	return r.sess.Tr.WriteRegister(reg, value, width)
}

func (r *REPL) cmdReadMem(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	if len(args) != 2 {
		return tracerr.New(tracerr.BadArgument, "usage: x ADDR SIZE")
	}
	addr, err := r.resolveAddr(args[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(args[1])
	if err != nil || size <= 0 || size > 8 {
		return tracerr.New(tracerr.BadArgument, "size must be 1-8 bytes, got %q", args[1])
	}
	buf := make([]byte, size)
	if err := r.sess.Tr.ReadMemory(addr, buf); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "0x%x\n", bytesToUint64LE(buf))
	return nil
}

func (r *REPL) cmdWriteMem(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	if len(args) != 3 {
		return tracerr.New(tracerr.BadArgument, "usage: set ADDR SIZE VALUE")
	}
	addr, err := r.resolveAddr(args[0])
	if err != nil {
		return err
	}
	size, err := strconv.Atoi(args[1])
	if err != nil || size <= 0 || size > 8 {
		return tracerr.New(tracerr.BadArgument, "size must be 1-8 bytes, got %q", args[1])
	}
	value, err := parseHexValue(args[2])
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	putUint64LE(buf, value)
	return r.sess.Tr.WriteMemory(addr, buf[:size])
}

func (r *REPL) cmdSyscall(args []string) error {
	if err := r.requireChild(); err != nil {
		return err
	}
	if len(args) != 7 {
		return tracerr.New(tracerr.BadArgument, "usage: sc NUM A0 A1 A2 A3 A4 A5")
	}
	num, err := parseSyscallNum(args[0])
	if err != nil {
		return err
	}
	var sargs [6]uint64
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseUint(args[i+1], 0, 64)
		if err != nil {
			return tracerr.New(tracerr.BadArgument, "bad syscall argument %q", args[i+1])
		}
		sargs[i] = v
	}
	ret, err := r.sess.Tr.Syscall(num, sargs)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "0x%x\n", ret)
	return nil
}

// resolveAddr parses tok as a hexadecimal integer (no 0x prefix) or,
// failing that, looks it up as a symbol name.
func (r *REPL) resolveAddr(tok string) (uint64, error) {
	if v, err := strconv.ParseUint(tok, 16, 64); err == nil {
		return v, nil
	}
	res := r.sess.Resolver()
	if res == nil {
		return 0, tracerr.New(tracerr.UnknownSymbol, "unknown symbol %q (no tracee spawned yet)", tok)
	}
	return res.LookupSym(tok)
}

func (r *REPL) lookupAddr(addr uint64) (string, bool) {
	res := r.sess.Resolver()
	if res == nil {
		return "", false
	}
	return res.LookupAddr(addr)
}

func parseHexValue(tok string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(tok), "0x"), 16, 64)
	if err != nil {
		return 0, tracerr.New(tracerr.BadArgument, "bad value %q", tok)
	}
	return v, nil
}

func parseSyscallNum(tok string) (uint64, error) {
	if n, ok := syscallnum.Lookup(tok); ok {
		return n, nil
	}
	n, err := strconv.ParseUint(tok, 0, 64)
	if err != nil {
		return 0, tracerr.New(tracerr.BadArgument, "unknown syscall %q", tok)
	}
	return n, nil
}

func bytesToUint64LE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint64LE(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}
