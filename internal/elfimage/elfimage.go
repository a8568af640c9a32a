// Package elfimage parses an on-disk ELF64 x86-64 executable or shared
// object and exposes name<->address symbol lookup with a relocatable load
// base, using stdlib debug/elf for section and symbol access.
package elfimage

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"sort"

	"github.com/cydbg/cydbg/internal/tracerr"
)

// ELF64 header field sizes, used to reject a wrong-size header outright
// rather than let it be silently misparsed.
const (
	ehdrSize  = 64
	phdrSize  = 56
	shdrSize  = 64
	elfMagic  = "\x7fELF"
	classElf64 = 2
)

// funcSym is one STT_FUNC symbol collected from .symtab or .dynsym, with
// its value still relative to the image (not yet rebased).
type funcSym struct {
	name  string
	value uint64
}

// Image is a parsed ELF64 file together with a relocation base. Base is 0
// for non-PIE executables; for a PIE main executable it is set once,
// after spawn, from the auxiliary vector; for a shared library it is the
// dynamic linker's l_addr.
type Image struct {
	path  string
	file  *os.File
	elf   *elf.File
	base  uint64
	entry uint64 // unrelocated e_entry

	// byName holds the first (symtab-before-dynsym) STT_FUNC symbol for
	// each name; byValue holds every STT_FUNC symbol, sorted by value,
	// for nearest-below address lookup. Neither is rebased; callers add
	// base at read time.
	byName  map[string]uint64
	byValue []funcSym

	interp    string
	hasInterp bool
}

// New opens the ELF64 file at path for lazy, read-only section access and
// validates it: magic, EM_X86_64, type EXEC or DYN, and the three fixed
// ELF64 header sizes.
func New(path string, base uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tracerr.Wrap(tracerr.IoError, err, "open "+path)
	}
	if err := validateHeader(f); err != nil {
		f.Close()
		return nil, err
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, tracerr.Wrap(tracerr.BadFormat, err, "parse ELF "+path)
	}
	if ef.Machine != elf.EM_X86_64 {
		f.Close()
		return nil, tracerr.New(tracerr.BadFormat, "%s: unsupported machine %s", path, ef.Machine)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		f.Close()
		return nil, tracerr.New(tracerr.BadFormat, "%s: unsupported file type %s", path, ef.Type)
	}

	img := &Image{
		path:  path,
		file:  f,
		elf:   ef,
		base:  base,
		entry: ef.Entry,
		byName: make(map[string]uint64),
	}
	img.collectSymbols()
	if interp, err := ef.Section(".interp"); interp != nil && err == nil {
		data, err := interp.Data()
		if err == nil {
			img.interp = trimNulString(data)
			img.hasInterp = true
		}
	}
	return img, nil
}

// validateHeader re-reads the raw ELF64 header rather than trusting
// debug/elf to reject malformed-but-parseable files.
func validateHeader(f *os.File) error {
	var hdr [ehdrSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return tracerr.Wrap(tracerr.IoError, err, "read ELF header")
	}
	if string(hdr[:4]) != elfMagic {
		return tracerr.New(tracerr.BadFormat, "not an ELF file")
	}
	if hdr[4] != classElf64 {
		return tracerr.New(tracerr.BadFormat, "not an ELF64 file")
	}
	ehsize := binary.LittleEndian.Uint16(hdr[52:54])
	phentsize := binary.LittleEndian.Uint16(hdr[54:56])
	shentsize := binary.LittleEndian.Uint16(hdr[58:60])
	if int(ehsize) != ehdrSize {
		return tracerr.New(tracerr.BadFormat, "wrong ehdr size %d", ehsize)
	}
	if int(phentsize) != phdrSize {
		return tracerr.New(tracerr.BadFormat, "wrong phdr size %d", phentsize)
	}
	if int(shentsize) != shdrSize {
		return tracerr.New(tracerr.BadFormat, "wrong shdr size %d", shentsize)
	}
	return nil
}

// collectSymbols walks .symtab/.strtab then .dynsym/.dynstr, keeping only
// STT_FUNC symbols with a defined section; the first name occurrence wins.
func (img *Image) collectSymbols() {
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			if s.Section == elf.SHN_UNDEF {
				continue
			}
			if _, ok := img.byName[s.Name]; !ok {
				img.byName[s.Name] = s.Value
			}
			img.byValue = append(img.byValue, funcSym{name: s.Name, value: s.Value})
		}
	}
	if syms, err := img.elf.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := img.elf.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(img.byValue, func(i, j int) bool { return img.byValue[i].value < img.byValue[j].value })
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Close releases the backing file. The Image must not be used afterward.
func (img *Image) Close() error {
	return img.file.Close()
}

// Path returns the file path this image was opened from.
func (img *Image) Path() string { return img.path }

// Base returns the current relocation base (0 for a non-PIE image before
// any rebase).
func (img *Image) Base() uint64 { return img.base }

// Entry returns the unrelocated entry point from the ELF header.
func (img *Image) Entry() uint64 { return img.entry }

// SetBase sets the relocation base directly. Bootstrap gives a shared
// library its base (the dynamic linker's reported l_addr) through New
// instead.
func (img *Image) SetBase(base uint64) { img.base = base }

// SetBaseFromEntry computes base = runtimeEntry - e_entry, the contract
// used once per spawn for the main executable's PIE rebase.
func (img *Image) SetBaseFromEntry(runtimeEntry uint64) {
	img.base = runtimeEntry - img.entry
}

// Interp returns the contents of the .interp section, if present.
func (img *Image) Interp() (string, bool) {
	return img.interp, img.hasInterp
}

// IsPIE reports whether this image is ET_DYN rather than ET_EXEC. For a
// main executable that means position-independent; a shared library is
// also ET_DYN and reports true as well.
func (img *Image) IsPIE() bool {
	return img.elf.Type == elf.ET_DYN
}

// LookupSym returns base + value for the first STT_FUNC symbol named
// name, preferring .symtab over .dynsym.
func (img *Image) LookupSym(name string) (uint64, bool) {
	v, ok := img.byName[name]
	if !ok {
		return 0, false
	}
	return img.base + v, true
}

// LookupAddr returns the name of the function symbol with the greatest
// value <= addr-base. Size ranges are not checked: nearest-below only.
// addr below base is rejected outright rather than underflowing into a
// bogus match against this image's highest-addressed symbol.
func (img *Image) LookupAddr(addr uint64) (string, bool) {
	if addr < img.base {
		return "", false
	}
	target := addr - img.base
	idx := sort.Search(len(img.byValue), func(i int) bool { return img.byValue[i].value > target })
	if idx == 0 {
		return "", false
	}
	return img.byValue[idx-1].name, true
}
