package bootstrap

import (
	"encoding/binary"
	"path/filepath"

	"github.com/cydbg/cydbg/internal/elfimage"
	"github.com/cydbg/cydbg/internal/tracer"
	"github.com/cydbg/cydbg/internal/tracerr"
)

// dtDebug is the DT_DEBUG dynamic section tag; the dynamic linker
// overwrites its value in memory (not in the file) with the address of
// the r_debug rendezvous structure once relocation is complete.
const dtDebug = 21

// Library is one shared object the dynamic linker has mapped into the
// tracee, discovered via the r_debug/link_map rendezvous structure.
type Library struct {
	Path  string
	Image *elfimage.Image
}

// Result is everything Bootstrap discovers about a freshly spawned
// tracee: the dynamic linker's own image (nil for a statically linked
// binary) and the shared libraries it has loaded.
type Result struct {
	Interp    *elfimage.Image
	Libraries []Library
}

// Bootstrap runs once, immediately after Tracer.Spawn's initial trap.
// It rebases main if it's a PIE, then — if main is dynamically linked —
// sets a one-shot breakpoint at the entry point, continues until the
// dynamic linker has finished relocating and populated r_debug, and
// walks the resulting link_map to enumerate loaded shared libraries.
func Bootstrap(tr *tracer.Tracer, main *elfimage.Image) (Result, error) {
	av, err := ReadAuxv(tr.Pid())
	if err != nil {
		return Result{}, err
	}

	if entry, ok := av.Entry(); ok && main.IsPIE() {
		main.SetBaseFromEntry(entry)
		if base := main.Base(); base != 0 {
			tr.RebaseBreakpoints(base)
		}
	}

	interpPath, hasInterp := main.Interp()
	if !hasInterp {
		return Result{}, nil
	}

	interpBase, _ := av.InterpBase()
	interpImg, err := elfimage.New(interpPath, interpBase)
	if err != nil {
		return Result{}, err
	}

	if err := runToEntry(tr, main, av); err != nil {
		return Result{Interp: interpImg}, err
	}

	libs, err := walkLinkMap(tr, main, interpImg, av)
	if err != nil {
		return Result{Interp: interpImg}, err
	}
	return Result{Interp: interpImg, Libraries: libs}, nil
}

// ptDynamic is the PT_DYNAMIC program header type.
const ptDynamic = 2

// phdrEntrySize is the on-disk/in-memory size of an Elf64_Phdr.
const phdrEntrySize = 56

// findDynamicSegment reads the tracee's program header table — located
// via AT_PHDR/AT_PHENT/AT_PHNUM — looking for the PT_DYNAMIC entry, and
// returns its rebased runtime address.
func findDynamicSegment(tr *tracer.Tracer, main *elfimage.Image, av AuxVector) (uint64, bool, error) {
	phdr, phent, phnum, ok := av.ProgramHeaders()
	if !ok {
		return 0, false, tracerr.New(tracerr.InternalError, "auxv missing AT_PHDR/AT_PHENT/AT_PHNUM")
	}
	if phent != phdrEntrySize {
		return 0, false, tracerr.New(tracerr.BadFormat, "unexpected Elf64_Phdr size %d", phent)
	}
	for i := uint64(0); i < phnum; i++ {
		var entry [phdrEntrySize]byte
		if err := tr.ReadMemory(phdr+i*phent, entry[:]); err != nil {
			return 0, false, err
		}
		typ := binary.LittleEndian.Uint32(entry[0:4])
		if typ != ptDynamic {
			continue
		}
		vaddr := binary.LittleEndian.Uint64(entry[16:24])
		return main.Base() + vaddr, true, nil
	}
	return 0, false, nil
}

// runToEntry sets a one-shot breakpoint at the program's entry point
// and continues until it's hit, then lifts it. By the time the dynamic
// linker transfers control to the entry point, it has finished
// relocating and has populated r_debug.
func runToEntry(tr *tracer.Tracer, main *elfimage.Image, av AuxVector) error {
	entry, ok := av.Entry()
	if !ok {
		return tracerr.New(tracerr.InternalError, "auxv missing AT_ENTRY")
	}
	if err := tr.SetBreakpoint(entry); err != nil {
		return err
	}
	if _, err := tr.Continue(); err != nil {
		return err
	}
	return tr.ClearBreakpoint(entry)
}

// walkLinkMap locates DT_DEBUG in the main executable's dynamic
// section, reads the r_debug structure it points to, and walks the
// resulting link_map chain, skipping the head entry (the executable
// itself), the interpreter, and the vDSO.
func walkLinkMap(tr *tracer.Tracer, main, interp *elfimage.Image, av AuxVector) ([]Library, error) {
	dynAddr, ok, err := findDynamicSegment(tr, main, av)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rDebugAddr, err := findDebugStruct(tr, dynAddr)
	if err != nil || rDebugAddr == 0 {
		return nil, err
	}

	var rDebug [40]byte
	if err := tr.ReadMemory(rDebugAddr, rDebug[:]); err != nil {
		return nil, err
	}
	linkMapAddr := binary.LittleEndian.Uint64(rDebug[8:16])

	var libs []Library
	interpPath := ""
	if interp != nil {
		interpPath = interp.Path()
	}
	first := true
	for addr := linkMapAddr; addr != 0; {
		var node [40]byte
		if err := tr.ReadMemory(addr, node[:]); err != nil {
			break
		}
		lAddr := binary.LittleEndian.Uint64(node[0:8])
		lNamePtr := binary.LittleEndian.Uint64(node[8:16])
		lNext := binary.LittleEndian.Uint64(node[24:32])

		name, _ := readCString(tr, lNamePtr)
		addr = lNext

		if first {
			// Head entry is the main executable itself.
			first = false
			continue
		}
		base := filepath.Base(name)
		if name == interpPath || base == filepath.Base(interpPath) {
			continue
		}
		if base == "linux-vdso.so.1" {
			continue
		}
		if name == "" {
			continue
		}

		img, err := elfimage.New(name, lAddr)
		if err != nil {
			continue
		}
		libs = append(libs, Library{Path: name, Image: img})
	}
	return libs, nil
}

// findDebugStruct reads the dynamic section entries starting at
// dynAddr looking for DT_DEBUG, returning its d_ptr value: the runtime
// address of the r_debug structure.
func findDebugStruct(tr *tracer.Tracer, dynAddr uint64) (uint64, error) {
	for addr := dynAddr; ; addr += 16 {
		var entry [16]byte
		if err := tr.ReadMemory(addr, entry[:]); err != nil {
			return 0, err
		}
		tag := int64(binary.LittleEndian.Uint64(entry[0:8]))
		val := binary.LittleEndian.Uint64(entry[8:16])
		if tag == 0 {
			return 0, nil
		}
		if tag == dtDebug {
			return val, nil
		}
	}
}

// readCString reads a NUL-terminated string out of tracee memory,
// growing its read buffer until it finds the terminator.
func readCString(tr *tracer.Tracer, addr uint64) (string, error) {
	if addr == 0 {
		return "", nil
	}
	const chunk = 64
	var out []byte
	for {
		buf := make([]byte, chunk)
		if err := tr.ReadMemory(addr+uint64(len(out)), buf); err != nil {
			return string(out), err
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
		if len(out) > 4096 {
			return string(out), tracerr.New(tracerr.BadFormat, "tracee string exceeds 4096 bytes")
		}
	}
}
