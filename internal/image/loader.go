package image

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zboralski/loris/internal/log"
)

// ErrLoad wraps any ELF parse or mapping failure.
var ErrLoad = errors.New("loader failure")

// Options control how an object is mapped.
type Options struct {
	// BindLazy and BindNow are the caller's RTLD hints. When neither is
	// set the object's own DF_BIND_NOW decides. LD_BIND_NOW in the
	// environment forces eager binding regardless.
	BindLazy bool
	BindNow  bool
}

// tlsModID hands out TLS module ids, unique and monotone per insert.
var tlsModID atomic.Uint64

// SetTLSModIDFloor raises the module-id counter above ids already claimed by
// the host linker. Called once by the adoption bootstrap.
func SetTLSModIDFloor(floor uint64) {
	for {
		cur := tlsModID.Load()
		if cur >= floor || tlsModID.CompareAndSwap(cur, floor) {
			return
		}
	}
}

func nativeMachine() elf.Machine {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64
	case "arm64":
		return elf.EM_AARCH64
	case "riscv64":
		return elf.EM_RISCV
	}
	return elf.EM_NONE
}

// Load maps the shared object at path. The result is unrelocated: segments
// are mapped, the dynamic table parsed, and the needed list populated, but
// no symbol binding has happened and constructors have not run.
func Load(path string, opts Options) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	return loadBytes(raw, path, opts)
}

// LoadBytes maps a shared object from a byte buffer. path is used only for
// naming.
func LoadBytes(b []byte, path string, opts Options) (*Image, error) {
	return loadBytes(b, path, opts)
}

func loadBytes(raw []byte, path string, opts Options) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: %s: not a 64-bit object", ErrLoad, path)
	}
	if want := nativeMachine(); f.Machine != want {
		return nil, fmt.Errorf("%w: %s: machine %v, want %v", ErrLoad, path, f.Machine, want)
	}
	if f.Type != elf.ET_DYN {
		// Loading position-dependent executables is unsupported.
		return nil, fmt.Errorf("%w: %s: type %v, want ET_DYN", ErrLoad, path, f.Type)
	}

	phdrs := make([]elf.Prog64, 0, len(f.Progs))
	for _, p := range f.Progs {
		phdrs = append(phdrs, elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}

	// Compute the load span.
	minVaddr := ^uintptr(0)
	maxEnd := uintptr(0)
	for i := range phdrs {
		p := &phdrs[i]
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if v := uintptr(p.Vaddr); v < minVaddr {
			minVaddr = v
		}
		if end := uintptr(p.Vaddr + p.Memsz); end > maxEnd {
			maxEnd = end
		}
	}
	if maxEnd == 0 {
		return nil, fmt.Errorf("%w: %s: no PT_LOAD segments", ErrLoad, path)
	}

	spanStart := alignDown(minVaddr)
	spanLen := alignUp(maxEnd) - spanStart
	mapping, err := mapSpan(spanLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	base := uintptr(unsafe.Pointer(&mapping[0])) - spanStart

	// Copy segment contents; the anonymous mapping is already zeroed, so
	// the bss tail needs no work.
	for i := range phdrs {
		p := &phdrs[i]
		if elf.ProgType(p.Type) != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if p.Off+p.Filesz > uint64(len(raw)) {
			_ = unix.Munmap(mapping)
			return nil, fmt.Errorf("%w: %s: segment exceeds file", ErrLoad, path)
		}
		dst := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(p.Vaddr))), p.Filesz)
		copy(dst, raw[p.Off:p.Off+p.Filesz])
	}

	img := &Image{
		fullName:   path,
		base:       base,
		rangeStart: base + spanStart,
		mappedLen:  spanLen,
		phdrs:      phdrs,
		machine:    f.Machine,
		entry:      base + uintptr(f.Entry),
		mapping:    mapping,
	}

	for i := range phdrs {
		p := &phdrs[i]
		switch elf.ProgType(p.Type) {
		case elf.PT_DYNAMIC:
			img.dyn = dynAt(base + uintptr(p.Vaddr))
		case elf.PT_GNU_RELRO:
			img.relroOff = uintptr(p.Vaddr)
			img.relroLen = uintptr(p.Memsz)
		case elf.PT_TLS:
			tmpl := &TLSTemplate{
				Memsz: p.Memsz,
				Align: p.Align,
				ModID: tlsModID.Add(1),
			}
			if p.Filesz > 0 {
				src := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(p.Vaddr))), p.Filesz)
				tmpl.Image = append([]byte(nil), src...)
			}
			img.tls = tmpl
		}
	}

	if img.dyn == nil {
		_ = img.Unmap()
		return nil, fmt.Errorf("%w: %s: no PT_DYNAMIC", ErrLoad, path)
	}
	img.info = parseDynamic(img.dyn, base)
	img.shortName = shortNameOf(path, img.info.soname)
	img.bindNow = bindMode(opts, &img.info)

	log.L.Debug("loaded",
		log.Lib(img.shortName),
		log.Addr(uint64(base)),
		log.Size(uint64(spanLen)),
	)
	return img, nil
}

// bindMode applies the precedence LD_BIND_NOW >> NOW >> LAZY >> DF_BIND_NOW.
func bindMode(opts Options, info *dynInfo) bool {
	if os.Getenv("LD_BIND_NOW") != "" {
		return true
	}
	if opts.BindNow {
		return true
	}
	if opts.BindLazy {
		return false
	}
	return info.wantsBindNow()
}
