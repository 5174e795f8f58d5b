package linker

import (
	"fmt"
	"runtime"

	"github.com/zboralski/loris/internal/log"
)

// Pseudo-handle values understood by Dlsym, matching dlfcn.
const (
	// HandleDefault searches the global scope (RTLD_DEFAULT).
	HandleDefault uintptr = 0
	// HandleNext searches the global scope after the caller's own
	// library (RTLD_NEXT).
	HandleNext = ^uintptr(0)
)

// GlobalFind walks the global scope in insertion order and returns the
// earliest library defining the symbol.
func GlobalFind(name string) (uintptr, error) {
	Init()
	if addr, ok := mgr.globalFind(name); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// NextFind continues the global scope walk after the library containing the
// caller's return address. Implements dlsym(RTLD_NEXT, ...).
func NextFind(name string) (uintptr, error) {
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return 0, fmt.Errorf("%w: %s (no caller)", ErrSymbolNotFound, name)
	}
	return nextFindFrom(uintptr(pc), name)
}

func nextFindFrom(ret uintptr, name string) (uintptr, error) {
	Init()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	caller, _ := mgr.addrToEntry(ret)

	// Walk the global scope; skip up to and including the caller's own
	// library.
	passed := caller == nil
	var addr uintptr
	found := false
	mgr.global.each(func(_ string, e *entry) bool {
		if !passed {
			if e == caller {
				passed = true
			}
			return true
		}
		if a, ok := e.img.Lookup(name); ok {
			addr, found = a, true
			return false
		}
		return true
	})
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return addr, nil
}

// AddrInfo is the result of a Dladdr reverse lookup.
type AddrInfo struct {
	FName string  // path of the containing object
	FBase uintptr // object load base
	SName string  // nearest symbol name, if any
	SAddr uintptr // nearest symbol address
}

// Dladdr finds the library (and the nearest dynamic symbol) containing a
// code address.
func Dladdr(addr uintptr) (AddrInfo, bool) {
	Init()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	e, ok := mgr.addrToEntry(addr)
	if !ok {
		return AddrInfo{}, false
	}
	info := AddrInfo{
		FName: e.img.FullName(),
		FBase: e.img.Base(),
	}
	if name, sa, ok := e.img.NearestSymbol(addr); ok {
		info.SName = name
		info.SAddr = sa
	}
	return info, true
}

// FindObject is the unwinder-facing result of DlFindObject, mirroring
// glibc's dl_find_object.
type FindObject struct {
	MapStart uintptr
	MapEnd   uintptr
	LinkMap  *LinkMap
	EhFrame  uintptr
}

// DlFindObject returns the map range and .eh_frame pointer for the object
// containing pc. Used for unwinder integration.
func DlFindObject(pc uintptr) (FindObject, bool) {
	Init()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	e, ok := mgr.addrToEntry(pc)
	if !ok {
		return FindObject{}, false
	}
	fo := FindObject{
		MapStart: e.img.RangeStart(),
		MapEnd:   e.img.RangeStart() + e.img.MappedLen(),
		LinkMap:  e.node,
		EhFrame:  e.img.EhFrameHdr(),
	}
	log.L.Debug("dl_find_object",
		log.Addr(uint64(pc)),
		log.Lib(e.shortName()),
	)
	return fo, true
}
