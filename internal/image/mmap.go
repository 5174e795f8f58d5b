package image

import (
	"debug/elf"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zboralski/loris/internal/log"
)

var pageSize = uintptr(os.Getpagesize())

func alignDown(v uintptr) uintptr { return v &^ (pageSize - 1) }
func alignUp(v uintptr) uintptr   { return (v + pageSize - 1) &^ (pageSize - 1) }

// mapSpan reserves an anonymous read-write span covering the whole object.
// Segments are copied in and protections tightened afterwards by Protect.
func mapSpan(size uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return b, nil
}

func progProt(flags uint32) int {
	prot := 0
	if flags&uint32(1) != 0 { // PF_X
		prot |= unix.PROT_EXEC
	}
	if flags&uint32(2) != 0 { // PF_W
		prot |= unix.PROT_WRITE
	}
	if flags&uint32(4) != 0 { // PF_R
		prot |= unix.PROT_READ
	}
	return prot
}

// Protect applies the final segment protections and seals the PT_GNU_RELRO
// span. Must run after relocation: the copy-in and relocation passes need
// the whole span writable.
func (img *Image) Protect() error {
	if img.adopted || img.mapping == nil {
		return nil
	}
	for i := range img.phdrs {
		p := &img.phdrs[i]
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		start := alignDown(img.base + uintptr(p.Vaddr))
		end := alignUp(img.base + uintptr(p.Vaddr) + uintptr(p.Memsz))
		seg := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
		if err := unix.Mprotect(seg, progProt(p.Flags)); err != nil {
			return fmt.Errorf("mprotect segment %d: %w", i, err)
		}
	}
	if img.relroLen != 0 {
		start := alignDown(img.base + img.relroOff)
		end := alignUp(img.base + img.relroOff + img.relroLen)
		seg := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
		if err := unix.Mprotect(seg, unix.PROT_READ); err != nil {
			return fmt.Errorf("mprotect relro: %w", err)
		}
	}
	return nil
}

// Unmap releases the mapping of a loaded object. Adopted objects are owned
// by the host linker and are never unmapped.
func (img *Image) Unmap() error {
	if img.adopted || img.mapping == nil {
		return nil
	}
	log.L.Debug("unmap", log.Lib(img.shortName), log.Addr(uint64(img.base)), log.Size(uint64(img.mappedLen)))
	m := img.mapping
	img.mapping = nil
	return unix.Munmap(m)
}
