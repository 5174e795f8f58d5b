package image

import (
	"debug/elf"
	"unsafe"
)

// DT_RELR tags have no debug/elf constants yet.
const (
	dtRelrsz = 35
	dtRelr   = 36
)

// arrayRef is a base-relative pointer array in the dynamic table.
type arrayRef struct {
	addr  uintptr
	count int
}

// relaRef describes a relocation table slice.
type relaRef struct {
	addr uintptr
	size int
	ent  int
}

// dynInfo is the decoded dynamic table. All addresses are base-relative
// except the resolved strtab/symtab, hash and version-table pointers, which
// are absolute.
type dynInfo struct {
	strtab uintptr // absolute
	strsz  int
	symtab uintptr // absolute
	syment int

	needed  []string
	soname  string
	rpath   string
	runpath string

	initFn  uintptr // base-relative
	finiFn  uintptr // base-relative
	initArr arrayRef
	finiArr arrayRef

	rela   relaRef
	jmprel relaRef
	relr   relaRef

	pltgot   uintptr
	gnuHash  uintptr // absolute
	sysvHash uintptr // absolute

	versym  uintptr // absolute
	verdef  uintptr // absolute
	verneed uintptr // absolute

	flags  uint64
	flags1 uint64
}

// dynAt reads the dynamic table terminated by DT_NULL at addr, copying it
// into owned memory.
func dynAt(addr uintptr) []elf.Dyn64 {
	if addr == 0 {
		return nil
	}
	n := 0
	for {
		d := (*elf.Dyn64)(unsafe.Pointer(addr + uintptr(n)*unsafe.Sizeof(elf.Dyn64{})))
		n++
		if elf.DynTag(d.Tag) == elf.DT_NULL {
			break
		}
	}
	src := unsafe.Slice((*elf.Dyn64)(unsafe.Pointer(addr)), n)
	out := make([]elf.Dyn64, n)
	copy(out, src)
	return out
}

// parseDynamic decodes the table. Addresses stored in the table are
// link-time vaddrs; runtime addresses are base+vaddr.
func parseDynamic(dyn []elf.Dyn64, base uintptr) dynInfo {
	var info dynInfo
	info.syment = int(unsafe.Sizeof(elf.Sym64{}))

	var neededOffs []uintptr
	var sonameOff, rpathOff, runpathOff uintptr
	haveSoname, haveRpath, haveRunpath := false, false, false
	var initArrSz, finiArrSz, relaEnt, pltRelSz, relrSz int
	var relaSz int

	for i := range dyn {
		d := &dyn[i]
		v := uintptr(d.Val)
		switch elf.DynTag(d.Tag) {
		case elf.DT_NEEDED:
			neededOffs = append(neededOffs, v)
		case elf.DT_SONAME:
			sonameOff, haveSoname = v, true
		case elf.DT_RPATH:
			rpathOff, haveRpath = v, true
		case elf.DT_RUNPATH:
			runpathOff, haveRunpath = v, true
		case elf.DT_STRTAB:
			info.strtab = base + v
		case elf.DT_STRSZ:
			info.strsz = int(v)
		case elf.DT_SYMTAB:
			info.symtab = base + v
		case elf.DT_SYMENT:
			info.syment = int(v)
		case elf.DT_INIT:
			info.initFn = v
		case elf.DT_FINI:
			info.finiFn = v
		case elf.DT_INIT_ARRAY:
			info.initArr.addr = v
		case elf.DT_INIT_ARRAYSZ:
			initArrSz = int(v)
		case elf.DT_FINI_ARRAY:
			info.finiArr.addr = v
		case elf.DT_FINI_ARRAYSZ:
			finiArrSz = int(v)
		case elf.DT_RELA:
			info.rela.addr = v
		case elf.DT_RELASZ:
			relaSz = int(v)
		case elf.DT_RELAENT:
			relaEnt = int(v)
		case elf.DT_JMPREL:
			info.jmprel.addr = v
		case elf.DT_PLTRELSZ:
			pltRelSz = int(v)
		case dtRelr:
			info.relr.addr = v
		case dtRelrsz:
			relrSz = int(v)
		case elf.DT_PLTGOT:
			info.pltgot = v
		case elf.DT_GNU_HASH:
			info.gnuHash = base + v
		case elf.DT_HASH:
			info.sysvHash = base + v
		case elf.DT_VERSYM:
			info.versym = base + v
		case elf.DT_VERDEF:
			info.verdef = base + v
		case elf.DT_VERNEED:
			info.verneed = base + v
		case elf.DT_FLAGS:
			info.flags = uint64(d.Val)
		case elf.DT_FLAGS_1:
			info.flags1 = uint64(d.Val)
		}
	}

	if relaEnt == 0 {
		relaEnt = int(unsafe.Sizeof(elf.Rela64{}))
	}
	info.rela.size, info.rela.ent = relaSz, relaEnt
	info.jmprel.size, info.jmprel.ent = pltRelSz, relaEnt
	info.relr.size, info.relr.ent = relrSz, 8

	ptrSz := int(unsafe.Sizeof(uintptr(0)))
	info.initArr.count = initArrSz / ptrSz
	info.finiArr.count = finiArrSz / ptrSz

	str := func(off uintptr) string {
		if info.strtab == 0 {
			return ""
		}
		return cstringAt(info.strtab + off)
	}
	for _, off := range neededOffs {
		if s := str(off); s != "" {
			info.needed = append(info.needed, s)
		}
	}
	if haveSoname {
		info.soname = str(sonameOff)
	}
	if haveRpath {
		info.rpath = str(rpathOff)
	}
	if haveRunpath {
		info.runpath = str(runpathOff)
	}

	return info
}

// wantsBindNow reports whether the object itself requests eager binding via
// DF_BIND_NOW or DF_1_NOW.
func (info *dynInfo) wantsBindNow() bool {
	return info.flags&uint64(elf.DF_BIND_NOW) != 0 || info.flags1&uint64(elf.DF_1_NOW) != 0
}
