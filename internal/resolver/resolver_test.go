package resolver

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cydbg/cydbg/internal/bootstrap"
	"github.com/cydbg/cydbg/internal/elfimage"
	"github.com/cydbg/cydbg/internal/tracerr"
)

// buildFixture hand-assembles a minimal ELF64/EM_X86_64 ET_EXEC file with
// one .symtab (backed by .strtab) defining "main" at entry and "foo" at
// entry+0x100, the same fixture shape elfimage's own tests use, needed
// here too since resolver has nothing to exercise multi-image lookup
// order against without at least two real elfimage.Image values.
func buildFixture(t *testing.T, entry uint64) string {
	t.Helper()

	strtab := []byte("\x00main\x00foo\x00")
	const nameMain, nameFoo = 1, 6

	sym := func(name, info int, shndx uint16, value uint64) []byte {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint32(b[0:4], uint32(name))
		b[4] = byte(info)
		binary.LittleEndian.PutUint16(b[6:8], shndx)
		binary.LittleEndian.PutUint64(b[8:16], value)
		return b
	}
	const sttFunc, stbGlobal = 2, 1
	funcInfo := (stbGlobal << 4) | sttFunc
	var symtab []byte
	symtab = append(symtab, sym(0, 0, 0, 0)...)
	symtab = append(symtab, sym(nameMain, funcInfo, 1, entry)...)
	symtab = append(symtab, sym(nameFoo, funcInfo, 1, entry+0x100)...)

	shstrtab := []byte("\x00.shstrtab\x00.strtab\x00.symtab\x00")
	const nameShstrtab, nameStrtab, nameSymtab = 1, 11, 19

	const ehdrSize = 64
	off := uint64(ehdrSize)
	strtabOff := off
	off += uint64(len(strtab))
	symtabOff := off
	off += uint64(len(symtab))
	shstrtabOff := off
	off += uint64(len(shstrtab))
	shoff := off

	hdr := make([]byte, ehdrSize)
	copy(hdr[0:4], "\x7fELF")
	hdr[4] = 2
	hdr[5] = 1
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(hdr[18:20], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(hdr[20:24], 1)
	binary.LittleEndian.PutUint64(hdr[24:32], entry)
	binary.LittleEndian.PutUint64(hdr[40:48], shoff)
	binary.LittleEndian.PutUint16(hdr[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(hdr[54:56], 56)
	binary.LittleEndian.PutUint16(hdr[58:60], 64)
	binary.LittleEndian.PutUint16(hdr[60:62], 4)
	binary.LittleEndian.PutUint16(hdr[62:64], 1)

	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(strtab)
	buf.Write(symtab)
	buf.Write(shstrtab)

	shdr := func(name int, typ uint32, offset, size uint64, link, info uint32, entsize uint64) []byte {
		b := make([]byte, 64)
		binary.LittleEndian.PutUint32(b[0:4], uint32(name))
		binary.LittleEndian.PutUint32(b[4:8], typ)
		binary.LittleEndian.PutUint64(b[24:32], offset)
		binary.LittleEndian.PutUint64(b[32:40], size)
		binary.LittleEndian.PutUint32(b[40:44], link)
		binary.LittleEndian.PutUint32(b[44:48], info)
		binary.LittleEndian.PutUint64(b[48:56], 1)
		binary.LittleEndian.PutUint64(b[56:64], entsize)
		return b
	}
	const shtNull, shtSymtab, shtStrtab = 0, 2, 3
	buf.Write(shdr(0, shtNull, 0, 0, 0, 0, 0))
	buf.Write(shdr(nameShstrtab, shtStrtab, shstrtabOff, uint64(len(shstrtab)), 0, 0, 0))
	buf.Write(shdr(nameStrtab, shtStrtab, strtabOff, uint64(len(strtab)), 0, 0, 0))
	buf.Write(shdr(nameSymtab, shtSymtab, symtabOff, uint64(len(symtab)), 2, 1, 24))

	path := filepath.Join(t.TempDir(), "fixture.elf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o755))
	return path
}

func openFixture(t *testing.T, entry uint64) *elfimage.Image {
	t.Helper()
	img, err := elfimage.New(buildFixture(t, entry), 0)
	require.NoError(t, err)
	t.Cleanup(func() { img.Close() })
	return img
}

func TestLookupSymPrefersMainOverLibraries(t *testing.T) {
	main := openFixture(t, 0x400000)
	lib := openFixture(t, 0x700000)

	r := New(main, bootstrap.Result{Libraries: []bootstrap.Library{{Path: "liba.so", Image: lib}}})

	addr, err := r.LookupSym("main")
	require.NoError(t, err)
	require.Equal(t, uint64(0x400000), addr)

	_, err = r.LookupSym("nonexistent")
	require.Error(t, err)
	require.True(t, tracerr.Is(err, tracerr.UnknownSymbol))
}

func TestLookupAddrSearchesInLoadOrder(t *testing.T) {
	main := openFixture(t, 0x400000)
	lib := openFixture(t, 0x700000)

	r := New(main, bootstrap.Result{Libraries: []bootstrap.Library{{Path: "liba.so", Image: lib}}})

	name, ok := r.LookupAddr(0x400050)
	require.True(t, ok)
	require.Equal(t, "main", name)

	// The main image is searched first and LookupAddr checks no size
	// ranges, so main's highest symbol "foo" (0x400100) is the nearest
	// below 0x700050 and wins before lib's symbols are consulted.
	name, ok = r.LookupAddr(0x700050)
	require.True(t, ok)
	require.Equal(t, "foo", name)

	require.Len(t, r.Images(), 2)
}

func TestCloseClosesEveryImage(t *testing.T) {
	main := openFixture(t, 0x400000)
	lib := openFixture(t, 0x700000)
	r := New(main, bootstrap.Result{Libraries: []bootstrap.Library{{Path: "liba.so", Image: lib}}})
	require.NoError(t, r.Close())
}
