// Package syscallnum maps Linux x86-64 syscall names to their numbers,
// for the REPL's synthetic syscall-injection verb.
package syscallnum

// Numbers covers the syscalls a debugging session is realistically
// asked to inject by hand: file I/O, process control, and a few
// memory-mapping calls.
var Numbers = map[string]uint64{
	"read":    0,
	"write":   1,
	"open":    2,
	"close":   3,
	"stat":    4,
	"fstat":   5,
	"mmap":    9,
	"mprotect": 10,
	"munmap":  11,
	"brk":     12,
	"rt_sigaction": 13,
	"ioctl":   16,
	"access":  21,
	"pipe":    22,
	"dup":     32,
	"dup2":    33,
	"nanosleep": 35,
	"getpid":  39,
	"socket":  41,
	"connect": 42,
	"clone":   56,
	"fork":    57,
	"execve":  59,
	"exit":    60,
	"wait4":   61,
	"kill":    62,
	"fcntl":   72,
	"getcwd":  79,
	"mkdir":   83,
	"unlink":  87,
	"gettimeofday": 96,
	"getuid":  102,
	"getgid":  104,
	"exit_group": 231,
}

// Lookup resolves a syscall name to its number.
func Lookup(name string) (uint64, bool) {
	n, ok := Numbers[name]
	return n, ok
}
