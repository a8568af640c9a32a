//go:build linux && amd64

package tracer

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// addrNoRandomize is the personality(2) flag that disables ASLR for the
// calling process and its descendants.
const addrNoRandomize = 0x0040000

// spawnTraced forks the calling (tracer) thread and, in the child,
// disables ASLR, requests PTRACE_TRACEME, and execs path with argv/envp.
// It must run on the backend's dedicated OS thread: the child becomes a
// tracee of whichever thread was active at fork time, and every later
// ptrace call for it must come from that same thread.
//
// Between fork and exec the child may not touch the Go allocator or
// scheduler (those locks and structures are only valid in the thread
// that forked), so every step after unix.RawSyscall(SYS_FORK, ...)
// returns 0 uses raw, non-allocating syscalls exclusively, the same
// discipline the os/exec package's own forkAndExecInChild observes.
func spawnTraced(path string, argv, envp []string) (pid int, err error) {
	argv0, err := unix.BytePtrFromString(path)
	if err != nil {
		return 0, err
	}
	argvp, err := unix.SlicePtrFromStrings(argv)
	if err != nil {
		return 0, err
	}
	envvp, err := unix.SlicePtrFromStrings(envp)
	if err != nil {
		return 0, err
	}

	syscall.ForkLock.Lock()
	defer syscall.ForkLock.Unlock()

	p1, _, errno := unix.RawSyscall(unix.SYS_FORK, 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}

	if p1 == 0 {
		childExec(argv0, argvp, envvp)
		// childExec only returns on failure; there's nothing left a
		// child can safely do but exit without unwinding the Go
		// runtime it shares memory with the parent's copy of.
		unix.RawSyscall(unix.SYS_EXIT, 127, 0, 0)
	}

	return int(p1), nil
}

// childExec runs in the forked child only. It never allocates and never
// returns except on execve failure.
func childExec(path *byte, argv, envp []*byte) {
	old, _, _ := unix.RawSyscall(unix.SYS_PERSONALITY, 0xffffffff, 0, 0)
	unix.RawSyscall(unix.SYS_PERSONALITY, old|addrNoRandomize, 0, 0)
	unix.RawSyscall(unix.SYS_PTRACE, unix.PTRACE_TRACEME, 0, 0)
	unix.RawSyscall(
		unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envp[0])),
	)
}
