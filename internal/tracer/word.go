package tracer

import "github.com/cydbg/cydbg/internal/tracerr"

// errShortTransfer signals a ptrace PEEKDATA/POKEDATA call that moved
// fewer than the 8 bytes requested, something the kernel should never do
// for a word-aligned, word-sized transfer; surfaced as an internal error
// rather than silently truncated.
var errShortTransfer = tracerr.New(tracerr.InternalError, "short ptrace word transfer")

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func putLeUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
