package linker

import (
	"sync"

	"github.com/zboralski/loris/internal/log"
)

// entry is a registered library: the mapped image plus lifecycle metadata.
type entry struct {
	img   dso
	flags OpenFlags
	state dylibState

	// searchlist is the BFS-flattened dependency scope rooted at this
	// library; immutable once set.
	searchlist []*entry

	// refs counts open user handles.
	refs int

	node *LinkMap
}

func (e *entry) shortName() string { return e.img.ShortName() }

// orderedMap is an insertion-ordered map from short name to entry,
// supporting truncation back to a checkpoint for transactional rollback.
type orderedMap struct {
	keys []string
	m    map[string]*entry
}

func newOrderedMap() orderedMap {
	return orderedMap{m: make(map[string]*entry)}
}

func (o *orderedMap) get(key string) (*entry, bool) {
	e, ok := o.m[key]
	return e, ok
}

func (o *orderedMap) insert(key string, e *entry) {
	if _, exists := o.m[key]; !exists {
		o.keys = append(o.keys, key)
	}
	o.m[key] = e
}

func (o *orderedMap) remove(key string) {
	if _, exists := o.m[key]; !exists {
		return
	}
	delete(o.m, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// truncate shrinks the map back to its first n insertions.
func (o *orderedMap) truncate(n int) {
	if n >= len(o.keys) {
		return
	}
	for _, k := range o.keys[n:] {
		delete(o.m, k)
	}
	o.keys = o.keys[:n]
}

func (o *orderedMap) len() int { return len(o.keys) }

// each visits entries in insertion order.
func (o *orderedMap) each(f func(string, *entry) bool) {
	for _, k := range o.keys {
		if !f(k, o.m[k]) {
			return
		}
	}
}

// manager is the process-wide library registry. A single readers-writer
// lock guards it; the orchestrator must release the write lock before
// invoking user constructors or lazy-binding callbacks.
type manager struct {
	mu     sync.RWMutex
	all    orderedMap
	global orderedMap

	// adds and subs count successful inserts and removals; published to
	// DlIteratePhdr readers so callers can detect epoch changes.
	adds uint64
	subs uint64
}

var mgr = &manager{
	all:    newOrderedMap(),
	global: newOrderedMap(),
}

// register inserts a library. Caller holds the write lock. Libraries with
// the Global flag (and the main executable) also join the global scope, and
// well-known runtime libraries are promoted to NoDelete.
func (m *manager) register(e *entry) {
	if e.flags.has(NoRegister) {
		log.L.Debug("skipping registration", log.Lib(e.shortName()))
		return
	}
	name := e.shortName()
	if isRuntimeLib(name) {
		e.flags |= NoDelete
	}

	log.L.Debug("register",
		log.Lib(name),
		log.Addr(uint64(e.img.Base())),
	)

	m.all.insert(name, e)
	if e.flags.has(Global) || name == "main" {
		m.global.insert(name, e)
	}
	m.adds++
}

// promoteGlobal adds an already-registered library to the global scope.
// Caller holds the write lock.
func (m *manager) promoteGlobal(e *entry) {
	m.global.insert(e.shortName(), e)
}

// globalFind walks the global scope in insertion order and returns the
// first library defining the symbol. Matches glibc's earliest-global-wins
// semantics.
func (m *manager) globalFind(name string) (uintptr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalFindLocked(name)
}

func (m *manager) globalFindLocked(name string) (uintptr, bool) {
	var addr uintptr
	found := false
	m.global.each(func(_ string, e *entry) bool {
		if a, ok := e.img.Lookup(name); ok {
			addr, found = a, true
			return false
		}
		return true
	})
	return addr, found
}

// lookupEntry finds a registered library by short name, falling back to a
// full-path suffix match for needed names that only appear as paths.
// Caller holds the lock.
func (m *manager) lookupEntry(name string) (*entry, bool) {
	if e, ok := m.all.get(name); ok {
		return e, true
	}
	var found *entry
	m.all.each(func(_ string, e *entry) bool {
		if fn := e.img.FullName(); fn != "" && hasPathSuffix(fn, name) {
			found = e
			return false
		}
		return true
	})
	return found, found != nil
}

func hasPathSuffix(full, name string) bool {
	if len(full) < len(name) {
		return false
	}
	if full[len(full)-len(name):] != name {
		return false
	}
	return len(full) == len(name) || full[len(full)-len(name)-1] == '/'
}

// addrToEntry finds the library whose mapping contains addr. Caller holds
// the lock.
func (m *manager) addrToEntry(addr uintptr) (*entry, bool) {
	var found *entry
	m.all.each(func(_ string, e *entry) bool {
		if e.img.ContainsAddr(addr) {
			found = e
			return false
		}
		return true
	})
	return found, found != nil
}
