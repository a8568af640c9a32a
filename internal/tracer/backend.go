package tracer

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// backend is every raw OS primitive the tracing engine needs, abstracted
// out so the engine's breakpoint, memory, register, and backtrace logic
// can be exercised in tests against an in-memory fake instead of a real
// ptrace-capable kernel.
type backend interface {
	// startTraced forks a child that disables ASLR, requests
	// PTRACE_TRACEME, and execs path with argv/envp, returning the
	// child's pid. The child stops with SIGTRAP on successful exec.
	startTraced(path string, argv, envp []string) (pid int, err error)

	wait(pid int) (stopped int, status unix.WaitStatus, err error)
	cont(pid int, sig int) error
	singleStep(pid int) error
	kill(pid int, sig int) error

	getRegs(pid int, regs *unix.PtraceRegs) error
	setRegs(pid int, regs *unix.PtraceRegs) error

	// peekWord and pokeWord transfer exactly one 8-byte word; the engine
	// owns chunking a multi-word read or write into single-word calls so
	// the partial-tail behavior documented in ReadMemory/WriteMemory is
	// implemented once, in one place, rather than inside the backend.
	peekWord(pid int, addr uintptr) (uint64, error)
	pokeWord(pid int, addr uintptr, word uint64) error
}

// ptraceBackend is the real backend. Every method funnels its work
// through a single runtime.LockOSThread-pinned goroutine (run, below),
// since ptrace requires every call for a given tracee to originate from
// the thread that is registered as its tracer.
type ptraceBackend struct {
	fc chan func() error
	ec chan error
}

func newPtraceBackend() *ptraceBackend {
	b := &ptraceBackend{
		fc: make(chan func() error),
		ec: make(chan error),
	}
	go b.run()
	return b
}

// run is the dedicated tracer thread. It never returns the OS thread to
// the Go scheduler's pool, so every ptrace call below executes on the
// same kernel thread for the lifetime of the backend.
func (b *ptraceBackend) run() {
	runtime.LockOSThread()
	for fn := range b.fc {
		b.ec <- fn()
	}
}

// do submits fn to the tracer thread and waits for its result.
func (b *ptraceBackend) do(fn func() error) error {
	b.fc <- fn
	return <-b.ec
}

func (b *ptraceBackend) startTraced(path string, argv, envp []string) (pid int, err error) {
	err = b.do(func() error {
		var spawnErr error
		pid, spawnErr = spawnTraced(path, argv, envp)
		return spawnErr
	})
	return pid, err
}

func (b *ptraceBackend) wait(pid int) (int, unix.WaitStatus, error) {
	var status unix.WaitStatus
	var stopped int
	err := b.do(func() error {
		p, err := unix.Wait4(pid, &status, 0, nil)
		stopped = p
		return err
	})
	return stopped, status, err
}

func (b *ptraceBackend) cont(pid int, sig int) error {
	return b.do(func() error { return unix.PtraceCont(pid, sig) })
}

func (b *ptraceBackend) singleStep(pid int) error {
	return b.do(func() error { return unix.PtraceSingleStep(pid) })
}

func (b *ptraceBackend) kill(pid int, sig int) error {
	return b.do(func() error { return unix.Kill(pid, sig) })
}

func (b *ptraceBackend) getRegs(pid int, regs *unix.PtraceRegs) error {
	return b.do(func() error { return unix.PtraceGetRegs(pid, regs) })
}

func (b *ptraceBackend) setRegs(pid int, regs *unix.PtraceRegs) error {
	return b.do(func() error { return unix.PtraceSetRegs(pid, regs) })
}

func (b *ptraceBackend) peekWord(pid int, addr uintptr) (uint64, error) {
	var word uint64
	err := b.do(func() error {
		var buf [8]byte
		n, err := unix.PtracePeekData(pid, addr, buf[:])
		if err != nil {
			return err
		}
		if n != 8 {
			return errShortTransfer
		}
		word = leUint64(buf[:])
		return nil
	})
	return word, err
}

func (b *ptraceBackend) pokeWord(pid int, addr uintptr, word uint64) error {
	return b.do(func() error {
		var buf [8]byte
		putLeUint64(buf[:], word)
		n, err := unix.PtracePokeData(pid, addr, buf[:])
		if err != nil {
			return err
		}
		if n != 8 {
			return errShortTransfer
		}
		return nil
	})
}
