package linker

import "github.com/zboralski/loris/internal/log"

// computeSearchlists stores the dependency scope on every named root whose
// searchlist is still unset. The scope is a breadth-first flattening of the
// needed graph, deduplicated, preserving first-visit order — the library
// itself always comes first. Matches glibc's per-object Searchlist
// semantics. Caller holds the write lock.
func (m *manager) computeSearchlists(roots []string) {
	for _, rootName := range roots {
		root, ok := m.all.get(rootName)
		if !ok || root.searchlist != nil {
			continue
		}

		var scope []*entry
		visited := map[string]bool{rootName: true}
		queue := []string{rootName}

		for len(queue) > 0 {
			curName := queue[0]
			queue = queue[1:]

			cur, ok := m.lookupEntry(curName)
			if !ok {
				continue
			}
			scope = append(scope, cur)

			for _, needed := range cur.img.Needed() {
				dep, ok := m.lookupEntry(needed)
				if !ok {
					continue
				}
				key := dep.shortName()
				if !visited[key] {
					visited[key] = true
					queue = append(queue, key)
				}
			}
		}

		root.searchlist = scope
		log.L.Debug("searchlist computed", log.Lib(rootName))
	}
}

// scopeResolver builds an eager resolve function over an ordered entry
// list. Interposed symbols win over every scope member.
func scopeResolver(scope []*entry) func(string) (uintptr, bool) {
	return func(name string) (uintptr, bool) {
		if addr, ok := interpose.find(name); ok {
			return addr, true
		}
		for _, e := range scope {
			if addr, ok := e.img.Lookup(name); ok {
				return addr, true
			}
		}
		return 0, false
	}
}

// scopeTLSResolver serves TLS relocations against an ordered entry list.
func scopeTLSResolver(scope []*entry) func(string) (uint64, uintptr, int64, bool) {
	return func(name string) (uint64, uintptr, int64, bool) {
		for _, e := range scope {
			sym, ok := e.img.LookupSym(name)
			if !ok {
				continue
			}
			tls := e.img.TLS()
			if tls == nil {
				continue
			}
			return tls.ModID, uintptr(sym.Value), tls.StaticOffset, true
		}
		return 0, 0, 0, false
	}
}

// lazyScope builds the lazy-binding closure for a transaction. The closure
// captures only short names — weak references in spirit: at fire time each
// name is re-resolved through the registry, so the closure never pins a
// dependency beyond the user-visible handle's lifetime. DeepBind puts the
// local scope ahead of the global one.
func lazyScope(deps []*entry, flags OpenFlags) func(string) (uintptr, bool) {
	names := make([]string, len(deps))
	for i, d := range deps {
		names[i] = d.shortName()
	}
	deepbind := flags.has(DeepBind)

	localFind := func(sym string) (uintptr, bool) {
		mgr.mu.RLock()
		defer mgr.mu.RUnlock()
		for _, n := range names {
			e, ok := mgr.all.get(n)
			if !ok {
				continue
			}
			if addr, ok := e.img.Lookup(sym); ok {
				log.L.Bind(sym, n, uint64(addr))
				return addr, true
			}
		}
		return 0, false
	}

	return func(sym string) (uintptr, bool) {
		if addr, ok := interpose.find(sym); ok {
			return addr, true
		}
		if deepbind {
			if addr, ok := localFind(sym); ok {
				return addr, true
			}
			return mgr.globalFind(sym)
		}
		if addr, ok := mgr.globalFind(sym); ok {
			return addr, true
		}
		return localFind(sym)
	}
}
