// Package resolver combines the main executable, the dynamic linker,
// and every shared library discovered by bootstrap into a single
// name<->address lookup facade, searched in load order so the first
// match wins in both directions.
package resolver

import (
	"github.com/cydbg/cydbg/internal/bootstrap"
	"github.com/cydbg/cydbg/internal/elfimage"
	"github.com/cydbg/cydbg/internal/tracerr"
)

// Resolver is a read-only view over every ELF image loaded into one
// tracee.
type Resolver struct {
	images []*elfimage.Image
}

// New builds a Resolver from the main image and a bootstrap.Result,
// ordering images main-executable-first, then the interpreter, then
// shared libraries in the order the dynamic linker's link_map reported
// them.
func New(main *elfimage.Image, boot bootstrap.Result) *Resolver {
	images := make([]*elfimage.Image, 0, 2+len(boot.Libraries))
	images = append(images, main)
	if boot.Interp != nil {
		images = append(images, boot.Interp)
	}
	for _, lib := range boot.Libraries {
		images = append(images, lib.Image)
	}
	return &Resolver{images: images}
}

// LookupSym resolves a function name to a runtime address, searching
// the main executable first, then the interpreter, then shared
// libraries in load order.
func (r *Resolver) LookupSym(name string) (uint64, error) {
	for _, img := range r.images {
		if addr, ok := img.LookupSym(name); ok {
			return addr, nil
		}
	}
	return 0, tracerr.New(tracerr.UnknownSymbol, "unknown symbol %q", name)
}

// LookupAddr resolves a runtime address to the nearest function symbol
// at or below it, in the same image, searching in the same order as
// LookupSym.
func (r *Resolver) LookupAddr(addr uint64) (string, bool) {
	for _, img := range r.images {
		if name, ok := img.LookupAddr(addr); ok {
			return name, true
		}
	}
	return "", false
}

// Images returns every image the resolver searches, in lookup order.
func (r *Resolver) Images() []*elfimage.Image {
	return r.images
}

// Close releases every image's backing file. The first error
// encountered, if any, is returned; Close still attempts to close every
// image regardless.
func (r *Resolver) Close() error {
	var first error
	for _, img := range r.images {
		if err := img.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
