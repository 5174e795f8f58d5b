package linker

import (
	"sync"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/log"
)

// The interposition table lets the loader substitute its own implementation
// for selected symbols while binding loaded objects, ahead of every other
// scope member. The loader itself uses it to capture __cxa_atexit so
// destructor registrations drain through our queue; callers may add their
// own hooks before dlopen.

// interposeRegistry maps symbol names to native code addresses.
type interposeRegistry struct {
	mu    sync.RWMutex
	hooks map[string]uintptr
}

var interpose = &interposeRegistry{hooks: make(map[string]uintptr)}

// Interpose registers a native address for a symbol name. Subsequent
// relocation passes bind references to the name against addr instead of
// searching the scope. Aliases share the same address.
func Interpose(name string, addr uintptr, aliases ...string) {
	interpose.mu.Lock()
	defer interpose.mu.Unlock()
	interpose.hooks[name] = addr
	for _, a := range aliases {
		interpose.hooks[a] = addr
	}
	log.L.Debug("interposed", log.Sym(name), log.Addr(uint64(addr)))
}

// InterposeFunc wraps a Go function with purego and registers it. The
// function signature must be C-compatible (uintptr-sized args and result).
func InterposeFunc(name string, fn any, aliases ...string) {
	Interpose(name, purego.NewCallback(fn), aliases...)
}

func (r *interposeRegistry) find(name string) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.hooks[name]
	return addr, ok
}

var interposeDefaults sync.Once

// installDefaultInterposes hooks the loader-owned service symbols. Called
// once from Init before any user dlopen.
func installDefaultInterposes() {
	interposeDefaults.Do(func() {
		InterposeFunc("__cxa_atexit", func(fn, arg, dso uintptr) uintptr {
			return uintptr(uint32(cxaAtExit(fn, arg, dso)))
		})
		InterposeFunc("__cxa_finalize", func(dso uintptr) uintptr {
			CxaFinalize(dso)
			return 0
		})
	})
}
