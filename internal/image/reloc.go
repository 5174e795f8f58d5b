package image

import (
	"debug/elf"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/log"
)

// ErrNoSym is wrapped when a strong undefined symbol cannot be resolved in
// the relocation scope.
var ErrNoSym = errors.New("symbol not found")

// ResolveFunc answers a symbol name with its runtime address.
type ResolveFunc func(name string) (uintptr, bool)

// ResolveTLSFunc answers a TLS symbol name with the module id and
// block-relative offset of its defining object, plus that object's static
// TLS offset (nonzero only for host-adopted objects).
type ResolveTLSFunc func(name string) (modID uint64, off uintptr, staticOff int64, ok bool)

// RelocateOptions carry the symbol scopes for a relocation pass.
type RelocateOptions struct {
	// Resolve is the composite eager scope (global and local ordered per
	// the open flags).
	Resolve ResolveFunc
	// Lazy is the lazy-binding closure; it walks the same scope but holds
	// only weak references to its members. Used for PLT slots when the
	// object binds lazily, and retained on the image for re-binding.
	Lazy ResolveFunc
	// ResolveTLS serves TLS relocations.
	ResolveTLS ResolveTLSFunc
}

// callIfunc invokes an STT_GNU_IFUNC resolver and returns the chosen
// implementation address.
func callIfunc(resolver uintptr) uintptr {
	r1, _, _ := purego.SyscallN(resolver)
	return r1
}

// unresolvedTrap is bound into PLT slots whose symbol the lazy scope could
// not produce. Calling through one logs and returns zero rather than
// jumping into unmapped memory.
var unresolvedTrap = sync.OnceValue(func() uintptr {
	return purego.NewCallback(func() uintptr {
		log.L.Error("call through unresolved lazy PLT slot")
		return 0
	})
})

// Relocate applies the object's relocations. RELATIVE and data relocations
// are always applied eagerly; PLT slots go through the lazy closure when the
// object binds lazily. Constructors are not run here.
func (img *Image) Relocate(opts RelocateOptions) error {
	if img.adopted {
		return nil
	}
	img.lazyResolve = opts.Lazy

	count := 0
	if err := img.applyRelr(); err != nil {
		return err
	}
	n, err := img.applyRelaTable(img.info.rela, opts, false)
	if err != nil {
		return err
	}
	count += n
	n, err = img.applyRelaTable(img.info.jmprel, opts, !img.bindNow)
	if err != nil {
		return err
	}
	count += n

	log.L.Reloc(img.shortName, count, !img.bindNow)
	return nil
}

func (img *Image) applyRelaTable(t relaRef, opts RelocateOptions, lazy bool) (int, error) {
	if t.addr == 0 || t.size == 0 || t.ent == 0 {
		return 0, nil
	}
	n := t.size / t.ent
	relas := unsafe.Slice((*elf.Rela64)(unsafe.Pointer(img.base+t.addr)), n)

	for i := range relas {
		r := &relas[i]
		rtype := uint32(r.Info)
		symIdx := uint32(r.Info >> 32)
		target := (*uintptr)(unsafe.Pointer(img.base + uintptr(r.Off)))

		switch classify(img.machine, rtype) {
		case relocNone:
			continue

		case relocRelative:
			*target = img.base + uintptr(r.Addend)

		case relocIRelative:
			*target = callIfunc(img.base + uintptr(r.Addend))

		case relocGlobDat, relocAbs:
			sym := img.symAt(symIdx)
			name := img.symName(sym)
			addr, ok := img.resolveOrSelf(name, opts.Resolve)
			if !ok {
				if symBind(sym) == stbWeak {
					*target = 0
					continue
				}
				return 0, fmt.Errorf("%w: %s (needed by %s)", ErrNoSym, name, img.shortName)
			}
			*target = addr + uintptr(r.Addend)

		case relocJumpSlot:
			sym := img.symAt(symIdx)
			name := img.symName(sym)
			if lazy {
				if addr, ok := opts.Lazy(name); ok {
					*target = addr
				} else {
					*target = unresolvedTrap()
				}
				continue
			}
			addr, ok := img.resolveOrSelf(name, opts.Resolve)
			if !ok {
				if symBind(sym) == stbWeak {
					*target = 0
					continue
				}
				return 0, fmt.Errorf("%w: %s (needed by %s)", ErrNoSym, name, img.shortName)
			}
			*target = addr

		case relocDTPMod:
			if symIdx == 0 {
				*target = uintptr(img.tlsModID())
				continue
			}
			sym := img.symAt(symIdx)
			if sym.Shndx != shnUndef {
				*target = uintptr(img.tlsModID())
				continue
			}
			mod, _, _, ok := opts.ResolveTLS(img.symName(sym))
			if !ok {
				return 0, fmt.Errorf("%w: TLS %s (needed by %s)", ErrNoSym, img.symName(sym), img.shortName)
			}
			*target = uintptr(mod)

		case relocDTPOff:
			sym := img.symAt(symIdx)
			if sym.Shndx != shnUndef {
				*target = uintptr(sym.Value) + uintptr(r.Addend)
				continue
			}
			_, off, _, ok := opts.ResolveTLS(img.symName(sym))
			if !ok {
				return 0, fmt.Errorf("%w: TLS %s (needed by %s)", ErrNoSym, img.symName(sym), img.shortName)
			}
			*target = off + uintptr(r.Addend)

		case relocTPOff:
			// Static TLS works only against objects living in the
			// host's static block; dlopened objects get no static
			// reservation.
			sym := img.symAt(symIdx)
			name := img.symName(sym)
			_, off, staticOff, ok := opts.ResolveTLS(name)
			if !ok || staticOff == 0 {
				return 0, fmt.Errorf("%w: static TLS for %s (needed by %s)", ErrNoSym, name, img.shortName)
			}
			*target = uintptr(int64(off) + int64(r.Addend) - staticOff)

		case relocCopy:
			// COPY relocations belong to position-dependent
			// executables; a well-formed shared object has none.
			log.L.Warn("ignoring COPY relocation", log.Lib(img.shortName), log.Sym(img.symName(img.symAt(symIdx))))

		default:
			return 0, fmt.Errorf("%w: unhandled relocation type %d in %s", ErrLoad, rtype, img.shortName)
		}
	}
	return len(relas), nil
}

// resolveOrSelf walks the supplied scope; the scope already contains this
// image, so a plain delegate suffices, but guard against a nil scope for
// NOT_REGISTER loads with no dependencies.
func (img *Image) resolveOrSelf(name string, resolve ResolveFunc) (uintptr, bool) {
	if resolve != nil {
		if addr, ok := resolve(name); ok {
			return addr, true
		}
	}
	return img.Lookup(name)
}

func (img *Image) tlsModID() uint64 {
	if img.tls == nil {
		return 0
	}
	return img.tls.ModID
}

// applyRelr processes the compact DT_RELR table: every entry is either an
// address of a word to rebase or a bitmap covering the 63 words after the
// last address.
func (img *Image) applyRelr() error {
	t := img.info.relr
	if t.addr == 0 || t.size == 0 {
		return nil
	}
	n := t.size / 8
	entries := unsafe.Slice((*uint64)(unsafe.Pointer(img.base+t.addr)), n)

	var where uintptr
	for _, e := range entries {
		if e&1 == 0 {
			where = img.base + uintptr(e)
			*(*uintptr)(unsafe.Pointer(where)) += img.base
			where += unsafe.Sizeof(uintptr(0))
			continue
		}
		for bit := uintptr(0); bit < 63; bit++ {
			if e>>(bit+1)&1 != 0 {
				p := where + bit*unsafe.Sizeof(uintptr(0))
				*(*uintptr)(unsafe.Pointer(p)) += img.base
			}
		}
		where += 63 * unsafe.Sizeof(uintptr(0))
	}
	return nil
}

// RebindLazy re-fires the lazy scope for a named PLT symbol and returns what
// it resolves to; it does not rewrite any PLT slot. It reports false when the
// image has no lazy scope.
func (img *Image) RebindLazy(name string) (uintptr, bool) {
	if img.lazyResolve == nil {
		return 0, false
	}
	return img.lazyResolve(name)
}
