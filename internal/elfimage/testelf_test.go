package elfimage

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildELF hand-assembles a minimal ELF64/EM_X86_64 file containing one
// .symtab (backed by .strtab) with two STT_FUNC symbols and an optional
// .interp section, writes it to a temp file under t.TempDir, and returns
// its path. There is no library in this module's dependency set that
// writes ELF files (debug/elf only reads them), so the test fixture is
// assembled by hand the way golang-debug's own pclntab_test.go assembles
// its fixtures by invoking an external toolchain — here, byte-for-byte,
// since no assembler is available inside this sandbox.
func buildELF(t *testing.T, etype uint16, entry uint64, interp string) string {
	t.Helper()

	const (
		shtNull   = 0
		shtProgbits = 1
		shtSymtab = 2
		shtStrtab = 3
		shfAlloc  = 2
	)

	var interpData []byte
	if interp != "" {
		interpData = append([]byte(interp), 0)
	}

	// .strtab: null, then "main\0foo\0".
	strtab := []byte("\x00main\x00foo\x00")
	nameMain := 1
	nameFoo := 6

	// .symtab: null symbol, then "main" at entry-ish value, then "foo".
	sym := func(name, info int, shndx uint16, value uint64) []byte {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint32(b[0:4], uint32(name))
		b[4] = byte(info)
		b[5] = 0
		binary.LittleEndian.PutUint16(b[6:8], shndx)
		binary.LittleEndian.PutUint64(b[8:16], value)
		binary.LittleEndian.PutUint64(b[16:24], 0)
		return b
	}
	const sttFunc = 2
	const stbGlobal = 1
	funcInfo := (stbGlobal << 4) | sttFunc
	var symtab []byte
	symtab = append(symtab, sym(0, 0, 0, 0)...)          // null symbol
	symtab = append(symtab, sym(nameMain, funcInfo, 1, entry)...)
	symtab = append(symtab, sym(nameFoo, funcInfo, 1, entry+0x100)...)

	// .shstrtab.
	shstrtab := []byte("\x00.shstrtab\x00.interp\x00.strtab\x00.symtab\x00")
	nameShstrtab := 1
	nameInterp := 11
	nameStrtab := 19
	nameSymtab := 27

	const ehdrSizeLocal = 64
	off := uint64(ehdrSizeLocal)

	var interpOff, interpSize uint64
	if len(interpData) > 0 {
		interpOff = off
		interpSize = uint64(len(interpData))
		off += interpSize
	}

	strtabOff := off
	off += uint64(len(strtab))

	symtabOff := off
	off += uint64(len(symtab))

	shstrtabOff := off
	off += uint64(len(shstrtab))

	shoff := off

	var buf bytes.Buffer
	hdr := make([]byte, ehdrSizeLocal)
	copy(hdr[0:4], "\x7fELF")
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little-endian
	hdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:18], etype)
	binary.LittleEndian.PutUint16(hdr[18:20], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint64(hdr[24:32], entry)
	binary.LittleEndian.PutUint64(hdr[32:40], 0) // e_phoff
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	binary.LittleEndian.PutUint32(hdr[48:52], 0)
	binary.LittleEndian.PutUint16(hdr[52:54], ehdrSizeLocal) // e_ehsize
	binary.LittleEndian.PutUint16(hdr[54:56], 56)             // e_phentsize
	binary.LittleEndian.PutUint16(hdr[56:58], 0)              // e_phnum
	binary.LittleEndian.PutUint16(hdr[58:60], 64)             // e_shentsize
	nsections := 4
	if len(interpData) > 0 {
		nsections = 5
	}
	binary.LittleEndian.PutUint16(hdr[60:62], uint16(nsections))
	binary.LittleEndian.PutUint16(hdr[62:64], 1) // e_shstrndx
	buf.Write(hdr)

	if len(interpData) > 0 {
		buf.Write(interpData)
	}
	buf.Write(strtab)
	buf.Write(symtab)
	buf.Write(shstrtab)

	shdr := func(name int, typ uint32, flags, addr, offset, size uint64, link, info uint32, align, entsize uint64) []byte {
		b := make([]byte, 64)
		binary.LittleEndian.PutUint32(b[0:4], uint32(name))
		binary.LittleEndian.PutUint32(b[4:8], typ)
		binary.LittleEndian.PutUint64(b[8:16], flags)
		binary.LittleEndian.PutUint64(b[16:24], addr)
		binary.LittleEndian.PutUint64(b[24:32], offset)
		binary.LittleEndian.PutUint64(b[32:40], size)
		binary.LittleEndian.PutUint32(b[40:44], link)
		binary.LittleEndian.PutUint32(b[44:48], info)
		binary.LittleEndian.PutUint64(b[48:56], align)
		binary.LittleEndian.PutUint64(b[56:64], entsize)
		return b
	}

	buf.Write(shdr(0, shtNull, 0, 0, 0, 0, 0, 0, 0, 0))
	buf.Write(shdr(nameShstrtab, shtStrtab, 0, 0, shstrtabOff, uint64(len(shstrtab)), 0, 0, 1, 0))
	if len(interpData) > 0 {
		buf.Write(shdr(nameInterp, shtProgbits, shfAlloc, 0, interpOff, interpSize, 0, 0, 1, 0))
	}
	buf.Write(shdr(nameStrtab, shtStrtab, 0, 0, strtabOff, uint64(len(strtab)), 0, 0, 1, 0))
	// .symtab's link must point at .strtab's section index: 2 if there's
	// no .interp section, 3 if there is.
	strtabIdx := uint32(2)
	if len(interpData) > 0 {
		strtabIdx = 3
	}
	buf.Write(shdr(nameSymtab, shtSymtab, 0, 0, symtabOff, uint64(len(symtab)), strtabIdx, 1, 8, 24))

	path := filepath.Join(t.TempDir(), "fixture.elf")
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}
