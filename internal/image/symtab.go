package image

import (
	"debug/elf"
	"unsafe"
)

// Symbol resolution against the in-memory dynamic symbol table. The GNU hash
// table is the fast path; the SysV table is the fallback. Both are read
// directly from the mapping, so the same code serves objects we loaded and
// objects adopted from the host.

const (
	shnUndef = 0

	stbWeak     = 2
	sttTLS      = 6
	sttGNUIfunc = 10
)

func symBind(s *elf.Sym64) int { return int(s.Info >> 4) }
func symType(s *elf.Sym64) int { return int(s.Info & 0xf) }

// symAt returns the i-th dynamic symbol.
func (img *Image) symAt(i uint32) *elf.Sym64 {
	return (*elf.Sym64)(unsafe.Pointer(img.info.symtab + uintptr(i)*uintptr(img.info.syment)))
}

func (img *Image) symName(s *elf.Sym64) string {
	return cstringAt(img.info.strtab + uintptr(s.Name))
}

// DynSymCount returns the number of dynamic symbols, derived from the SysV
// nchain when present, else by walking the GNU hash chains.
func (img *Image) DynSymCount() uint32 {
	if img.info.sysvHash != 0 {
		return *(*uint32)(unsafe.Pointer(img.info.sysvHash + 4))
	}
	if img.info.gnuHash == 0 {
		return 0
	}
	h := img.gnuHashHeader()
	last := uint32(0)
	buckets := unsafe.Slice((*uint32)(unsafe.Pointer(h.buckets)), h.nbuckets)
	for _, b := range buckets {
		if b > last {
			last = b
		}
	}
	if last == 0 {
		return h.symoffset
	}
	for {
		chain := *(*uint32)(unsafe.Pointer(h.chains + uintptr(last-h.symoffset)*4))
		if chain&1 != 0 {
			return last + 1
		}
		last++
	}
}

type gnuHash struct {
	nbuckets   uint32
	symoffset  uint32
	bloomSize  uint32
	bloomShift uint32
	bloom      uintptr
	buckets    uintptr
	chains     uintptr
}

func (img *Image) gnuHashHeader() gnuHash {
	p := img.info.gnuHash
	h := gnuHash{
		nbuckets:   *(*uint32)(unsafe.Pointer(p)),
		symoffset:  *(*uint32)(unsafe.Pointer(p + 4)),
		bloomSize:  *(*uint32)(unsafe.Pointer(p + 8)),
		bloomShift: *(*uint32)(unsafe.Pointer(p + 12)),
	}
	h.bloom = p + 16
	h.buckets = h.bloom + uintptr(h.bloomSize)*8
	h.chains = h.buckets + uintptr(h.nbuckets)*4
	return h
}

func gnuHashOf(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func sysvHashOf(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g = h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// LookupSym finds a defined dynamic symbol by name.
func (img *Image) LookupSym(name string) (*elf.Sym64, bool) {
	if img.info.symtab == 0 || img.info.strtab == 0 {
		return nil, false
	}
	if img.info.gnuHash != 0 {
		return img.gnuLookup(name)
	}
	if img.info.sysvHash != 0 {
		return img.sysvLookup(name)
	}
	return nil, false
}

func (img *Image) gnuLookup(name string) (*elf.Sym64, bool) {
	h := img.gnuHashHeader()
	if h.nbuckets == 0 {
		return nil, false
	}
	hash := gnuHashOf(name)

	const ptrBits = 64
	word := *(*uint64)(unsafe.Pointer(h.bloom + uintptr((hash/ptrBits)%h.bloomSize)*8))
	mask := uint64(1)<<(hash%ptrBits) | uint64(1)<<((hash>>h.bloomShift)%ptrBits)
	if word&mask != mask {
		return nil, false
	}

	idx := *(*uint32)(unsafe.Pointer(h.buckets + uintptr(hash%h.nbuckets)*4))
	if idx < h.symoffset {
		return nil, false
	}
	for {
		chain := *(*uint32)(unsafe.Pointer(h.chains + uintptr(idx-h.symoffset)*4))
		if chain|1 == hash|1 {
			sym := img.symAt(idx)
			if sym.Shndx != shnUndef && img.symName(sym) == name {
				return sym, true
			}
		}
		if chain&1 != 0 {
			return nil, false
		}
		idx++
	}
}

func (img *Image) sysvLookup(name string) (*elf.Sym64, bool) {
	p := img.info.sysvHash
	nbucket := *(*uint32)(unsafe.Pointer(p))
	if nbucket == 0 {
		return nil, false
	}
	buckets := p + 8
	chains := buckets + uintptr(nbucket)*4

	idx := *(*uint32)(unsafe.Pointer(buckets + uintptr(sysvHashOf(name)%nbucket)*4))
	for idx != 0 {
		sym := img.symAt(idx)
		if sym.Shndx != shnUndef && img.symName(sym) == name {
			return sym, true
		}
		idx = *(*uint32)(unsafe.Pointer(chains + uintptr(idx)*4))
	}
	return nil, false
}

// Lookup resolves a defined symbol to its runtime address. IFUNC resolvers
// are invoked to produce the final address.
func (img *Image) Lookup(name string) (uintptr, bool) {
	sym, ok := img.LookupSym(name)
	if !ok {
		return 0, false
	}
	return img.symAddr(sym), true
}

func (img *Image) symAddr(sym *elf.Sym64) uintptr {
	addr := img.base + uintptr(sym.Value)
	if symType(sym) == sttGNUIfunc {
		addr = callIfunc(addr)
	}
	return addr
}

// LookupVersion resolves a symbol constrained to a version definition name.
func (img *Image) LookupVersion(name, version string) (uintptr, bool) {
	sym, ok := img.LookupSym(name)
	if !ok {
		return 0, false
	}
	if img.info.versym == 0 || img.info.verdef == 0 {
		// Unversioned object: accept the plain match.
		return img.symAddr(sym), true
	}
	idx := img.symIndex(sym)
	ndx := *(*uint16)(unsafe.Pointer(img.info.versym + uintptr(idx)*2)) &^ 0x8000
	if vn := img.versionName(ndx); vn != "" && vn != version {
		return 0, false
	}
	return img.symAddr(sym), true
}

func (img *Image) symIndex(sym *elf.Sym64) uint32 {
	off := uintptr(unsafe.Pointer(sym)) - img.info.symtab
	return uint32(off / uintptr(img.info.syment))
}

// verdef wire layout (Elf64_Verdef / Elf64_Verdaux).
type verdef struct {
	version uint16
	flags   uint16
	ndx     uint16
	cnt     uint16
	hash    uint32
	aux     uint32
	next    uint32
}

type verdaux struct {
	name uint32
	next uint32
}

func (img *Image) versionName(ndx uint16) string {
	p := img.info.verdef
	for p != 0 {
		vd := (*verdef)(unsafe.Pointer(p))
		if vd.ndx == ndx && vd.cnt > 0 {
			aux := (*verdaux)(unsafe.Pointer(p + uintptr(vd.aux)))
			return cstringAt(img.info.strtab + uintptr(aux.name))
		}
		if vd.next == 0 {
			break
		}
		p += uintptr(vd.next)
	}
	return ""
}

// NearestSymbol finds the defined dynamic symbol containing or closest below
// addr, for dladdr-style reverse lookup.
func (img *Image) NearestSymbol(addr uintptr) (name string, symAddr uintptr, ok bool) {
	if img.info.symtab == 0 || !img.ContainsAddr(addr) {
		return "", 0, false
	}
	count := img.DynSymCount()
	var best *elf.Sym64
	var bestAddr uintptr
	for i := uint32(0); i < count; i++ {
		sym := img.symAt(i)
		if sym.Shndx == shnUndef || sym.Value == 0 || symType(sym) == sttTLS {
			continue
		}
		sa := img.base + uintptr(sym.Value)
		if sa > addr {
			continue
		}
		if sym.Size != 0 && addr >= sa+uintptr(sym.Size) {
			continue
		}
		if best == nil || sa > bestAddr {
			best, bestAddr = sym, sa
		}
	}
	if best == nil {
		return "", 0, false
	}
	return img.symName(best), bestAddr, true
}
