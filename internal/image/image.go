// Package image maps ELF shared objects into memory and gives the linker a
// uniform view of them: segments, dynamic table, symbol tables, TLS
// template, and init/fini descriptors. It handles both objects loaded from
// disk (or a byte buffer) and objects adopted from the host dynamic linker.
//
// Heavy ELF parsing is delegated to debug/elf; this package works with the
// raw 64-bit wire structures (elf.Prog64, elf.Dyn64, elf.Sym64, elf.Rela64)
// so the same view can describe memory the host linker mapped.
package image

import (
	"debug/elf"
	"fmt"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/log"
)

// TLSTemplate describes a PT_TLS segment.
type TLSTemplate struct {
	// Image is the initialized portion of the TLS block (a private copy).
	Image []byte
	// Memsz is the full block size including the zeroed tail.
	Memsz uint64
	// Align is the required block alignment.
	Align uint64
	// ModID is the TLS module id, unique and monotone per insert.
	ModID uint64
	// Data points at the host's TLS initialization image for adopted
	// objects; zero for objects this loader mapped itself.
	Data uintptr
	// StaticOffset is the thread-pointer-relative offset for objects in
	// the host's static TLS block. Only meaningful when Data is set.
	StaticOffset int64
}

// InitFini holds the constructor or destructor descriptors of an object.
type InitFini struct {
	Func  uintptr
	Array []uintptr
}

// Image is an ELF object the linker knows about: loaded by us, loaded from a
// buffer, or adopted from the host.
type Image struct {
	shortName string
	fullName  string

	base       uintptr
	rangeStart uintptr
	mappedLen  uintptr

	phdrs []elf.Prog64
	dyn   []elf.Dyn64
	info  dynInfo

	machine elf.Machine
	entry   uintptr

	tls *TLSTemplate

	bindNow bool
	adopted bool

	// mapping is the anonymous mapping backing a loaded object; nil for
	// adopted objects.
	mapping []byte

	// relro is the PT_GNU_RELRO span to seal after relocation.
	relroOff, relroLen uintptr

	// lazyResolve re-fires scope resolution for symbols that were left
	// unbound by a lazy load.
	lazyResolve func(name string) (uintptr, bool)
}

// ShortName returns the registry key for this object: its SONAME if present,
// else the basename of its path, or "main" for the executable.
func (img *Image) ShortName() string { return img.shortName }

// FullName returns the canonical path; empty for the main executable. For
// the vDSO it is the name the host reported.
func (img *Image) FullName() string { return img.fullName }

// Base returns the load base.
func (img *Image) Base() uintptr { return img.base }

// MappedLen returns the page-aligned length of the reserved range.
func (img *Image) MappedLen() uintptr { return img.mappedLen }

// Machine returns the ELF machine of the object.
func (img *Image) Machine() elf.Machine { return img.machine }

// Entry returns the runtime entry point, if any.
func (img *Image) Entry() uintptr { return img.entry }

// Phdrs returns the program-header view. For adopted objects this is a
// private, patched copy.
func (img *Image) Phdrs() []elf.Prog64 { return img.phdrs }

// Dyn returns the dynamic table view.
func (img *Image) Dyn() []elf.Dyn64 { return img.dyn }

// DynPtr returns the in-memory address of the dynamic table, suitable for a
// link_map l_ld field.
func (img *Image) DynPtr() uintptr {
	if len(img.dyn) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&img.dyn[0]))
}

// Needed returns the DT_NEEDED short names in table order.
func (img *Image) Needed() []string { return img.info.needed }

// SOName returns the DT_SONAME value, if any.
func (img *Image) SOName() string { return img.info.soname }

// RPath returns the raw DT_RPATH string.
func (img *Image) RPath() string { return img.info.rpath }

// RunPath returns the raw DT_RUNPATH string.
func (img *Image) RunPath() string { return img.info.runpath }

// BindNow reports whether PLT entries must be bound eagerly.
func (img *Image) BindNow() bool { return img.bindNow }

// Adopted reports whether the host linker owns this mapping.
func (img *Image) Adopted() bool { return img.adopted }

// TLS returns the TLS template, or nil.
func (img *Image) TLS() *TLSTemplate { return img.tls }

// ContainsAddr reports whether addr falls inside the mapped range.
func (img *Image) ContainsAddr(addr uintptr) bool {
	return addr >= img.rangeStart && addr < img.rangeStart+img.mappedLen
}

// RangeStart returns the first mapped address of the object.
func (img *Image) RangeStart() uintptr { return img.rangeStart }

// EhFrameHdr returns the runtime address of the PT_GNU_EH_FRAME segment, or
// zero when the object has none.
func (img *Image) EhFrameHdr() uintptr {
	for i := range img.phdrs {
		if elf.ProgType(img.phdrs[i].Type) == elf.PT_GNU_EH_FRAME {
			return img.base + uintptr(img.phdrs[i].Vaddr)
		}
	}
	return 0
}

// Init returns the constructor descriptors.
func (img *Image) Init() InitFini {
	return InitFini{Func: img.info.initFn, Array: img.funcArray(img.info.initArr)}
}

// Fini returns the destructor descriptors.
func (img *Image) Fini() InitFini {
	return InitFini{Func: img.info.finiFn, Array: img.funcArray(img.info.finiArr)}
}

func (img *Image) funcArray(a arrayRef) []uintptr {
	if a.addr == 0 || a.count == 0 {
		return nil
	}
	src := unsafe.Slice((*uintptr)(unsafe.Pointer(img.base+a.addr)), a.count)
	out := make([]uintptr, a.count)
	copy(out, src)
	return out
}

// RunInit invokes DT_INIT then DT_INIT_ARRAY in order, passing the process
// (argc, argv, envp) captured at bootstrap.
func (img *Image) RunInit(argc uintptr, argv, envp uintptr) {
	ctors := img.Init()
	if ctors.Func != 0 {
		log.L.Debug("run init", log.Lib(img.shortName), log.Addr(uint64(ctors.Func)))
		purego.SyscallN(ctors.Func, argc, argv, envp)
	}
	for _, fn := range ctors.Array {
		if fn == 0 {
			continue
		}
		purego.SyscallN(fn, argc, argv, envp)
	}
}

// RunFini invokes DT_FINI_ARRAY in reverse order, then DT_FINI.
func (img *Image) RunFini() {
	if img.adopted {
		return
	}
	dtors := img.Fini()
	for i := len(dtors.Array) - 1; i >= 0; i-- {
		if dtors.Array[i] == 0 {
			continue
		}
		purego.SyscallN(dtors.Array[i])
	}
	if dtors.Func != 0 {
		log.L.Debug("run fini", log.Lib(img.shortName), log.Addr(uint64(dtors.Func)))
		purego.SyscallN(dtors.Func)
	}
}

// shortNameOf derives the registry key from a path and an optional SONAME.
func shortNameOf(path, soname string) string {
	if soname != "" {
		return soname
	}
	if path == "" {
		return "main"
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// cstringAt reads a NUL-terminated string from process memory.
func cstringAt(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Pointer(addr + uintptr(n))) != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
}

// String implements fmt.Stringer.
func (img *Image) String() string {
	return fmt.Sprintf("%s@%#x", img.shortName, img.base)
}
