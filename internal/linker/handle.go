package linker

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/log"
)

// Handle is a user-visible reference to a loaded library. Each open handle
// holds one reference; dropping the last one (outside NoDelete) runs
// destructors and unmaps the object.
type Handle struct {
	entry *entry
	scope []*entry
	flags OpenFlags

	mu     sync.Mutex
	closed bool
}

// ShortName returns the registry key of the library.
func (h *Handle) ShortName() string { return h.entry.shortName() }

// FullName returns the canonical path of the library.
func (h *Handle) FullName() string { return h.entry.img.FullName() }

// Base returns the library's load base.
func (h *Handle) Base() uintptr { return h.entry.img.Base() }

// Searchlist returns the short names of the handle's resolution scope in
// order, the library itself first.
func (h *Handle) Searchlist() []string {
	names := make([]string, len(h.scope))
	for i, e := range h.scope {
		names[i] = e.shortName()
	}
	return names
}

// Lookup resolves a symbol against the handle's searchlist: the first
// library in scope exposing the name wins.
func (h *Handle) Lookup(name string) (uintptr, error) {
	for _, e := range h.scope {
		if addr, ok := e.img.Lookup(name); ok {
			log.L.Bind(name, e.shortName(), uint64(addr))
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// LookupVersion resolves a symbol constrained to a version definition.
func (h *Handle) LookupVersion(name, version string) (uintptr, error) {
	for _, e := range h.scope {
		if addr, ok := e.img.LookupVersion(name, version); ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s@%s", ErrSymbolNotFound, name, version)
}

// Bind resolves a symbol and registers it onto a Go function pointer via
// purego, so the caller can invoke it directly.
func (h *Handle) Bind(fptr any, name string) error {
	addr, err := h.Lookup(name)
	if err != nil {
		return err
	}
	purego.RegisterFunc(fptr, addr)
	return nil
}

// Close drops the handle. When the last reference to a non-NoDelete library
// goes away, the library and any of its dependencies that became unneeded
// are removed from the registry, their destructors run in reverse order,
// and their mappings are unmapped.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("handle for %s already closed", h.entry.shortName())
	}
	h.closed = true
	h.mu.Unlock()

	// Private loads bypass the registry and their destructors.
	if h.flags.has(NoRegister) {
		return nil
	}

	mgr.mu.Lock()
	e := h.entry
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 || e.flags.has(NoDelete) {
		mgr.mu.Unlock()
		return nil
	}
	if _, registered := mgr.all.get(e.shortName()); !registered {
		mgr.mu.Unlock()
		return nil
	}

	victims := mgr.collectVictims(e)
	mgr.mu.Unlock()

	// Destructors and unmapping happen outside the registry lock: fini
	// code may legitimately call dl_iterate_phdr or dlsym.
	for _, v := range victims {
		log.L.Info("destroying dylib", log.Lib(v.shortName()))
		finalizeRange(v.img.RangeStart(), v.img.MappedLen())
		v.img.RunFini()
		if v.node != nil {
			chain.remove(v.node)
		}
		_ = v.img.Unmap()
	}
	return nil
}

// collectVictims removes the root and every searchlist dependency that no
// surviving library needs, bumping subs per removal. Caller holds the write
// lock. The returned order is root first, then dependencies in reverse
// searchlist order, which is the destructor order.
func (m *manager) collectVictims(root *entry) []*entry {
	victims := []*entry{root}
	m.all.remove(root.shortName())
	m.global.remove(root.shortName())
	m.subs++

	for i := len(root.searchlist) - 1; i >= 1; i-- {
		dep := root.searchlist[i]
		if dep.refs > 0 || dep.flags.has(NoDelete) {
			continue
		}
		if _, present := m.all.get(dep.shortName()); !present {
			continue
		}
		if m.stillReferenced(dep) {
			continue
		}
		m.all.remove(dep.shortName())
		m.global.remove(dep.shortName())
		m.subs++
		victims = append(victims, dep)
	}
	return victims
}

// stillReferenced reports whether any surviving library lists dep in its
// searchlist. Caller holds the lock.
func (m *manager) stillReferenced(dep *entry) bool {
	referenced := false
	m.all.each(func(_ string, e *entry) bool {
		for _, s := range e.searchlist {
			if s == dep {
				referenced = true
				return false
			}
		}
		return true
	})
	return referenced
}
