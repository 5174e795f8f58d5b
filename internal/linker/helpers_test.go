package linker

import (
	"debug/elf"
	"fmt"
	"sync"
	"testing"

	"github.com/zboralski/loris/internal/image"
	"github.com/zboralski/loris/internal/ldpath"
)

// fakeDSO implements dso entirely in-process so the engine can be exercised
// without mapping real ELF objects.
type fakeDSO struct {
	name    string
	full    string
	base    uintptr
	length  uintptr
	needed  []string
	syms    map[string]uintptr
	tls     *image.TLSTemplate
	rpath   string
	runpath string
	phdrs   []elf.Prog64

	mu        sync.Mutex
	relocated bool
	protected bool
	unmapped  bool
	initRun   bool
	finiRun   bool

	relocErr   error
	onRelocate func(*fakeDSO)
	onInit     func(*fakeDSO)
}

func newFakeDSO(name string, base uintptr, needed ...string) *fakeDSO {
	return &fakeDSO{
		name:   name,
		full:   "/fake/" + name,
		base:   base,
		length: 0x1000,
		needed: needed,
		syms:   map[string]uintptr{},
		phdrs:  []elf.Prog64{{Type: uint32(elf.PT_LOAD), Vaddr: 0, Memsz: 0x1000}},
	}
}

func (f *fakeDSO) ShortName() string           { return f.name }
func (f *fakeDSO) FullName() string            { return f.full }
func (f *fakeDSO) Base() uintptr               { return f.base }
func (f *fakeDSO) RangeStart() uintptr         { return f.base }
func (f *fakeDSO) MappedLen() uintptr          { return f.length }
func (f *fakeDSO) Phdrs() []elf.Prog64         { return f.phdrs }
func (f *fakeDSO) DynPtr() uintptr             { return f.base + 0x100 }
func (f *fakeDSO) Needed() []string            { return f.needed }
func (f *fakeDSO) RPath() string               { return f.rpath }
func (f *fakeDSO) RunPath() string             { return f.runpath }
func (f *fakeDSO) TLS() *image.TLSTemplate     { return f.tls }
func (f *fakeDSO) EhFrameHdr() uintptr         { return 0 }
func (f *fakeDSO) ContainsAddr(a uintptr) bool { return a >= f.base && a < f.base+f.length }

func (f *fakeDSO) Lookup(name string) (uintptr, bool) {
	addr, ok := f.syms[name]
	return addr, ok
}

func (f *fakeDSO) LookupSym(name string) (*elf.Sym64, bool) {
	addr, ok := f.syms[name]
	if !ok {
		return nil, false
	}
	return &elf.Sym64{Value: uint64(addr - f.base)}, true
}

func (f *fakeDSO) LookupVersion(name, _ string) (uintptr, bool) {
	return f.Lookup(name)
}

func (f *fakeDSO) NearestSymbol(addr uintptr) (string, uintptr, bool) {
	for n, a := range f.syms {
		if a == addr {
			return n, a, true
		}
	}
	return "", 0, false
}

func (f *fakeDSO) Relocate(image.RelocateOptions) error {
	if f.relocErr != nil {
		return f.relocErr
	}
	f.mu.Lock()
	f.relocated = true
	f.mu.Unlock()
	if f.onRelocate != nil {
		f.onRelocate(f)
	}
	return nil
}

func (f *fakeDSO) Protect() error {
	f.mu.Lock()
	f.protected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDSO) Unmap() error {
	f.mu.Lock()
	f.unmapped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDSO) RunInit(_, _, _ uintptr) {
	f.mu.Lock()
	f.initRun = true
	f.mu.Unlock()
	if f.onInit != nil {
		f.onInit(f)
	}
}

func (f *fakeDSO) RunFini() {
	f.mu.Lock()
	f.finiRun = true
	f.mu.Unlock()
}

// fakeWorld wires a set of fake objects into the engine's injection points.
type fakeWorld struct {
	mu   sync.Mutex
	libs map[string]func() *fakeDSO
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{libs: map[string]func() *fakeDSO{}}
}

func (w *fakeWorld) add(name string, mk func() *fakeDSO) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.libs[name] = mk
}

// install points the engine at this world and resets all global state.
// Returns a cleanup via t.Cleanup.
func (w *fakeWorld) install(t *testing.T) {
	t.Helper()
	resetEngine(t)

	resolvePath = func(_ *ldpath.Parent, name string) (string, error) {
		w.mu.Lock()
		_, ok := w.libs[name]
		w.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("%w: %s", ldpath.ErrNotFound, name)
		}
		return name, nil
	}
	loadImage = func(path string, _ image.Options) (dso, error) {
		w.mu.Lock()
		mk, ok := w.libs[path]
		w.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no such fake: %s", path)
		}
		return mk(), nil
	}
}

// resetEngine restores pristine global state and disables host adoption for
// the duration of a test.
func resetEngine(t *testing.T) {
	t.Helper()

	// Host adoption must not run against the test binary.
	initOnce.Do(func() {})

	mgr.mu.Lock()
	mgr.all = newOrderedMap()
	mgr.global = newOrderedMap()
	mgr.adds, mgr.subs = 0, 0
	mgr.mu.Unlock()

	chain = newDebugChain()

	atexit.mu.Lock()
	atexit.entries = nil
	atexit.mu.Unlock()

	oldCall := callNative
	callNative = func(fn uintptr, args ...uintptr) uintptr { return 0 }

	oldResolve := resolvePath
	oldLoad := loadImage
	t.Cleanup(func() {
		callNative = oldCall
		resolvePath = oldResolve
		loadImage = oldLoad
	})
}

// registrySizes returns the current all/global lengths.
func registrySizes() (int, int) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.all.len(), mgr.global.len()
}
