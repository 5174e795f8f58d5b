package linker

import "debug/elf"

// PhdrInfo describes one loaded object to a DlIteratePhdr callback,
// mirroring dl_phdr_info.
type PhdrInfo struct {
	Addr     uintptr
	Name     string
	Phdrs    []elf.Prog64
	Adds     uint64
	Subs     uint64
	TLSModID uint64
	TLSData  uintptr
	// Relocating is set while the object's owning dlopen transaction is
	// still in its relocation phase.
	Relocating bool
}

// DlIteratePhdr enumerates every adopted and loaded object in registration
// order. A non-nil callback error aborts the walk and is returned unchanged.
//
// The registry read lock is held across the walk, so the callback must not
// dlopen or dlclose; calling it from a constructor during a dlopen is safe
// because the orchestrator releases the write lock before relocation.
func DlIteratePhdr(cb func(*PhdrInfo) error) error {
	Init()
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	adds, subs := mgr.adds, mgr.subs
	var abort error
	mgr.all.each(func(_ string, e *entry) bool {
		phdrs := e.img.Phdrs()
		if len(phdrs) == 0 {
			return true
		}
		info := &PhdrInfo{
			Addr:       e.img.Base(),
			Name:       e.img.FullName(),
			Phdrs:      phdrs,
			Adds:       adds,
			Subs:       subs,
			Relocating: e.state.isRelocating(),
		}
		if tls := e.img.TLS(); tls != nil {
			info.TLSModID = tls.ModID
			info.TLSData = tls.Data
		}
		if err := cb(info); err != nil {
			abort = err
			return false
		}
		return true
	})

	return abort
}

// Epoch returns the current adds/subs counters so callers can detect
// registry changes between iterations.
func Epoch() (adds, subs uint64) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.adds, mgr.subs
}
