package image

import (
	"debug/elf"
	"fmt"
	"strings"
	"unsafe"
)

// addrTags lists the dynamic tags whose values glibc rewrites in place from
// file-relative offsets to absolute addresses. Adoption reverses the rewrite
// on a private copy so the rest of the package sees file-relative values.
var addrTags = map[elf.DynTag]bool{
	elf.DT_PLTGOT:      true,
	elf.DT_HASH:        true,
	elf.DT_STRTAB:      true,
	elf.DT_SYMTAB:      true,
	elf.DT_RELA:        true,
	elf.DT_INIT:        true,
	elf.DT_FINI:        true,
	elf.DT_REL:         true,
	elf.DT_JMPREL:      true,
	elf.DT_INIT_ARRAY:  true,
	elf.DT_FINI_ARRAY:  true,
	dtRelr:             true,
	elf.DT_GNU_HASH:    true,
	elf.DT_GNU_LIBLIST: true,
	elf.DT_RELACOUNT:   true,
	elf.DT_VERSYM:      true,
	elf.DT_VERDEF:      true,
	elf.DT_VERNEED:     true,
}

// AdoptSpec describes an object already mapped by the host linker.
type AdoptSpec struct {
	// Name is the path the host reports; empty for the main executable.
	Name string
	// Base is the host's load bias (l_addr).
	Base uintptr
	// DynPtr is the absolute address of the dynamic table.
	DynPtr uintptr
	// Phdrs are the program headers the host reported; nil means read
	// them from the ELF header at Base.
	Phdrs []elf.Prog64
	// TLSModID and TLSData come from the host's dl_iterate_phdr; TLSData
	// of zero strips PT_TLS from the adopted view.
	TLSModID uint64
	TLSData  uintptr
	// StaticOffset is the thread-pointer delta to the module's static
	// TLS block.
	StaticOffset int64
	// Musl skips the glibc dynamic-table un-rewrite.
	Musl bool
}

// Adopt wraps a host-mapped object as an immutable, already-relocated Image
// without remapping it. Returns nil when the object has no dynamic table.
func Adopt(spec AdoptSpec) (*Image, error) {
	if spec.DynPtr == 0 {
		return nil, nil
	}

	dyn := dynAt(spec.DynPtr)
	isVDSO := strings.Contains(spec.Name, "linux-vdso.so")
	if !spec.Musl && !isVDSO {
		recoverDynamicTable(dyn, spec.Base)
	}

	phdrs := spec.Phdrs
	if phdrs == nil {
		var err error
		phdrs, err = phdrsAt(spec.Base)
		if err != nil {
			return nil, err
		}
	} else {
		phdrs = append([]elf.Prog64(nil), phdrs...)
	}

	img := &Image{
		fullName: spec.Name,
		base:     spec.Base,
		dyn:      dyn,
		adopted:  true,
	}

	// Point the PT_DYNAMIC view at the private copy so link_map consumers
	// and our own parser agree.
	dynOff := uintptr(unsafe.Pointer(&dyn[0])) - spec.Base
	minVaddr := ^uintptr(0)
	maxEnd := uintptr(0)
	keep := phdrs[:0]
	for _, p := range phdrs {
		switch elf.ProgType(p.Type) {
		case elf.PT_DYNAMIC:
			p.Vaddr = uint64(dynOff)
		case elf.PT_TLS:
			if spec.TLSData == 0 {
				continue
			}
			img.tls = &TLSTemplate{
				Memsz:        p.Memsz,
				Align:        p.Align,
				ModID:        spec.TLSModID,
				Data:         spec.TLSData,
				StaticOffset: spec.StaticOffset,
			}
		case elf.PT_LOAD:
			if v := uintptr(p.Vaddr); v < minVaddr {
				minVaddr = v
			}
			if end := uintptr(p.Vaddr + p.Memsz); end > maxEnd {
				maxEnd = end
			}
		}
		keep = append(keep, p)
	}
	if maxEnd == 0 {
		return nil, fmt.Errorf("%w: %s: no PT_LOAD segments", ErrLoad, spec.Name)
	}
	img.phdrs = keep
	img.rangeStart = spec.Base + alignDown(minVaddr)
	img.mappedLen = alignUp(maxEnd) - alignDown(minVaddr)

	ehdr := (*elf.Header64)(unsafe.Pointer(spec.Base + alignDown(minVaddr)))
	img.machine = elf.Machine(ehdr.Machine)
	img.entry = spec.Base + uintptr(ehdr.Entry)

	img.info = parseDynamic(dyn, spec.Base)
	img.shortName = shortNameOf(spec.Name, img.info.soname)
	img.bindNow = true

	return img, nil
}

// recoverDynamicTable subtracts the base from address-bearing entries the
// host linker rewrote. A value at or below the base was never rewritten.
func recoverDynamicTable(dyn []elf.Dyn64, base uintptr) {
	for i := range dyn {
		d := &dyn[i]
		if addrTags[elf.DynTag(d.Tag)] && uintptr(d.Val) > base {
			d.Val -= uint64(base)
		}
	}
}

// phdrsAt reads the program-header table via the ELF header mapped at base.
func phdrsAt(base uintptr) ([]elf.Prog64, error) {
	ehdr := (*elf.Header64)(unsafe.Pointer(base))
	if ehdr.Phnum == 0 {
		return nil, fmt.Errorf("%w: no program headers at %#x", ErrLoad, base)
	}
	src := unsafe.Slice(
		(*elf.Prog64)(unsafe.Pointer(base+uintptr(ehdr.Phoff))),
		int(ehdr.Phnum),
	)
	return append([]elf.Prog64(nil), src...), nil
}
