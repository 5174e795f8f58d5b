package linker

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"unsafe"
)

// Auxiliary vector keys consumed by the bootstrap.
const (
	atPhdr  = 3
	atPhnum = 5
	atBase  = 7
)

// readAuxv reads the process auxiliary vector from /proc/self/auxv.
func readAuxv() map[uint64]uint64 {
	av := make(map[uint64]uint64)
	b, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return av
	}
	for i := 0; i+16 <= len(b); i += 16 {
		key := binary.LittleEndian.Uint64(b[i:])
		if key == 0 {
			break
		}
		av[key] = binary.LittleEndian.Uint64(b[i+8:])
	}
	return av
}

// findRDebug locates the host linker's r_debug structure.
//
// The main path walks the program's own dynamic section (reached through
// the AT_PHDR/AT_PHNUM aux entries) for DT_DEBUG. When that fails — musl
// may not surface DT_DEBUG there — the interpreter's dynamic table, reached
// via AT_BASE, is searched the same way.
func findRDebug(phdrAddr, phnum, interpBase uintptr) *rDebug {
	if phdrAddr == 0 || phnum == 0 {
		return nil
	}
	phdrs := unsafe.Slice((*elf.Prog64)(unsafe.Pointer(phdrAddr)), int(phnum))

	var bias uintptr
	var dynamic *elf.Prog64
	haveBias := false
	for i := range phdrs {
		p := &phdrs[i]
		switch elf.ProgType(p.Type) {
		case elf.PT_PHDR:
			bias = phdrAddr - uintptr(p.Vaddr)
			haveBias = true
		case elf.PT_DYNAMIC:
			dynamic = p
		}
	}
	if !haveBias {
		// Without PT_PHDR, the header table sits right after the ELF
		// header of the first mapped segment.
		for i := range phdrs {
			p := &phdrs[i]
			if elf.ProgType(p.Type) == elf.PT_LOAD && p.Off == 0 {
				linked := uintptr(p.Vaddr) + unsafe.Sizeof(elf.Header64{})
				bias = phdrAddr - linked
				haveBias = true
				break
			}
		}
	}

	if haveBias && dynamic != nil {
		if dbg := rDebugFromDynamic(bias + uintptr(dynamic.Vaddr)); dbg != nil {
			return dbg
		}
	}

	if interpBase != 0 {
		if phdrs, err := phdrsOfMapped(interpBase); err == nil {
			for i := range phdrs {
				p := &phdrs[i]
				if elf.ProgType(p.Type) == elf.PT_DYNAMIC {
					if dbg := rDebugFromDynamic(interpBase + uintptr(p.Vaddr)); dbg != nil {
						return dbg
					}
				}
			}
		}
	}
	return nil
}

// rDebugFromDynamic scans a dynamic table for DT_DEBUG and validates the
// pointed-to structure.
func rDebugFromDynamic(dynAddr uintptr) *rDebug {
	for p := dynAddr; ; p += unsafe.Sizeof(elf.Dyn64{}) {
		d := (*elf.Dyn64)(unsafe.Pointer(p))
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			return nil
		}
		if elf.DynTag(d.Tag) != elf.DT_DEBUG || d.Val == 0 {
			continue
		}
		dbg := (*rDebug)(unsafe.Pointer(uintptr(d.Val)))
		if dbg.Version != 0 {
			return dbg
		}
	}
}

// phdrsOfMapped reads the program headers of an object through its mapped
// ELF header.
func phdrsOfMapped(base uintptr) ([]elf.Prog64, error) {
	ehdr := (*elf.Header64)(unsafe.Pointer(base))
	if ehdr.Phnum == 0 {
		return nil, ErrLoaderFailure
	}
	return unsafe.Slice((*elf.Prog64)(unsafe.Pointer(base+uintptr(ehdr.Phoff))), int(ehdr.Phnum)), nil
}
