package tracer

import "github.com/cydbg/cydbg/internal/arch"

// breakpoint is one active software breakpoint: the address it traps
// at, the original byte its INT3 overwrote, and whether that INT3 is
// currently sitting in tracee memory. injected is true exactly when the
// byte at addr in tracee memory is 0xCC; false exactly when it is orig.
type breakpoint struct {
	addr     uint64
	orig     byte
	injected bool
}

// breakpointTable owns every breakpoint known to one Tracer, keyed by
// address, whether or not a child is currently running.
type breakpointTable struct {
	byAddr map[uint64]*breakpoint
}

func newBreakpointTable() *breakpointTable {
	return &breakpointTable{byAddr: make(map[uint64]*breakpoint)}
}

func (t *breakpointTable) get(addr uint64) (*breakpoint, bool) {
	bp, ok := t.byAddr[addr]
	return bp, ok
}

func (t *breakpointTable) has(addr uint64) bool {
	_, ok := t.byAddr[addr]
	return ok
}

func (t *breakpointTable) add(addr uint64) *breakpoint {
	bp := &breakpoint{addr: addr}
	t.byAddr[addr] = bp
	return bp
}

func (t *breakpointTable) remove(addr uint64) {
	delete(t.byAddr, addr)
}

func (t *breakpointTable) all() []*breakpoint {
	out := make([]*breakpoint, 0, len(t.byAddr))
	for _, bp := range t.byAddr {
		out = append(out, bp)
	}
	return out
}

// breakpointOpcodeByte is the single INT3 byte a breakpoint overwrites
// the original instruction's first byte with.
const breakpointOpcodeByte = byte(arch.BreakpointOpcode)
