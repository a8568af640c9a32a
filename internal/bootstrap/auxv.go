// Package bootstrap handles everything that has to happen once, right
// after a tracee's first stop, before breakpoints at symbolic addresses
// can be trusted: computing the PIE relocation base from the auxiliary
// vector, loading the dynamic linker's own ELF image, and walking the
// dynamic linker's link_map to discover which shared libraries are
// mapped and where.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cydbg/cydbg/internal/tracerr"
)

// Linux auxiliary vector type tags this package reads. See getauxval(3).
const (
	atNull  = 0
	atPhdr  = 3
	atPhent = 4
	atPhnum = 5
	atBase  = 7
	atEntry = 9
)

// AuxVector is the decoded contents of /proc/<pid>/auxv: a set of
// (type, value) pairs terminated by AT_NULL.
type AuxVector map[uint64]uint64

// ReadAuxv reads and decodes the auxiliary vector of a stopped tracee.
// It must be called only once the tracee has stopped after exec: the
// kernel populates /proc/<pid>/auxv as part of exec, and entries read
// before that point are stale or absent.
func ReadAuxv(pid int) (AuxVector, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return nil, tracerr.Wrap(tracerr.IoError, err, "read auxv")
	}
	if len(data)%16 != 0 {
		return nil, tracerr.New(tracerr.BadFormat, "auxv: odd-sized entry table (%d bytes)", len(data))
	}
	av := make(AuxVector, len(data)/16)
	for off := 0; off+16 <= len(data); off += 16 {
		typ := binary.LittleEndian.Uint64(data[off:])
		val := binary.LittleEndian.Uint64(data[off+8:])
		if typ == atNull {
			break
		}
		av[typ] = val
	}
	return av, nil
}

// Entry returns AT_ENTRY: the runtime address the kernel actually
// transferred control to, post-relocation for a PIE binary.
func (av AuxVector) Entry() (uint64, bool) { v, ok := av[atEntry]; return v, ok }

// InterpBase returns AT_BASE: the address the dynamic linker itself was
// loaded at.
func (av AuxVector) InterpBase() (uint64, bool) { v, ok := av[atBase]; return v, ok }

// ProgramHeaders returns AT_PHDR/AT_PHENT/AT_PHNUM: where the main
// executable's program header table was mapped, and its shape.
func (av AuxVector) ProgramHeaders() (addr uint64, entsize uint64, count uint64, ok bool) {
	addr, ok1 := av[atPhdr]
	entsize, ok2 := av[atPhent]
	count, ok3 := av[atPhnum]
	return addr, entsize, count, ok1 && ok2 && ok3
}
