package tracer

import "golang.org/x/sys/unix"

// fakeBackend is an in-memory stand-in for a real ptrace-capable kernel,
// letting the memory, register, breakpoint, and syscall-injection logic
// in this package be exercised without a traceable child process.
type fakeBackend struct {
	mem        map[uint64]byte
	regs       unix.PtraceRegs
	waitStatus unix.WaitStatus
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{mem: make(map[uint64]byte)}
}

// stoppedTrap is the wait(2) status encoding for "stopped by SIGTRAP".
func stoppedTrap() unix.WaitStatus {
	return unix.WaitStatus(0x7f | (int(unix.SIGTRAP) << 8))
}

func (f *fakeBackend) startTraced(path string, argv, envp []string) (int, error) {
	return 1, nil
}

func (f *fakeBackend) wait(pid int) (int, unix.WaitStatus, error) {
	if f.waitStatus == 0 {
		f.waitStatus = stoppedTrap()
	}
	return pid, f.waitStatus, nil
}

func (f *fakeBackend) cont(pid int, sig int) error       { return nil }
func (f *fakeBackend) singleStep(pid int) error          { return nil }
func (f *fakeBackend) kill(pid int, sig int) error       { return nil }

func (f *fakeBackend) getRegs(pid int, regs *unix.PtraceRegs) error {
	*regs = f.regs
	return nil
}

func (f *fakeBackend) setRegs(pid int, regs *unix.PtraceRegs) error {
	f.regs = *regs
	return nil
}

func (f *fakeBackend) peekWord(pid int, addr uintptr) (uint64, error) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = f.mem[uint64(addr)+uint64(i)]
	}
	return leUint64(buf[:]), nil
}

func (f *fakeBackend) pokeWord(pid int, addr uintptr, word uint64) error {
	var buf [8]byte
	putLeUint64(buf[:], word)
	for i := 0; i < 8; i++ {
		f.mem[uint64(addr)+uint64(i)] = buf[i]
	}
	return nil
}

func (f *fakeBackend) writeBytes(addr uint64, data []byte) {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
}

func (f *fakeBackend) readBytes(addr uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = f.mem[addr+uint64(i)]
	}
	return out
}
