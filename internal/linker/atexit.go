package linker

import (
	"sync"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/log"
)

// atexitEntry is one __cxa_atexit registration.
type atexitEntry struct {
	fn   uintptr
	arg  uintptr
	dso  uintptr
	done bool
}

// atexitQueue collects destructors registered through __cxa_atexit by code
// in loaded libraries. Guarded by its own lock, independent of the
// registry.
type atexitQueue struct {
	mu      sync.Mutex
	entries []atexitEntry
}

var atexit atexitQueue

// callNative invokes a native function pointer; swappable in tests.
var callNative = func(fn uintptr, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(fn, args...)
	return r1
}

// cxaAtExit records a destructor. Exposed to loaded code through the
// interposition table, so C++ static-destructor registrations land here
// instead of in the host libc's queue.
func cxaAtExit(fn, arg, dso uintptr) int32 {
	if fn == 0 {
		return -1
	}
	atexit.mu.Lock()
	atexit.entries = append(atexit.entries, atexitEntry{fn: fn, arg: arg, dso: dso})
	atexit.mu.Unlock()
	return 0
}

// CxaFinalize runs, in reverse registration order, every queued destructor
// whose dso handle equals h or falls inside the range [start, start+len) of
// the object identified by h. A zero handle drains the whole queue.
func CxaFinalize(h uintptr) {
	var start, length uintptr
	if h != 0 {
		mgr.mu.RLock()
		if e, ok := mgr.addrToEntry(h); ok {
			start, length = e.img.RangeStart(), e.img.MappedLen()
		}
		mgr.mu.RUnlock()
	}
	finalizeMatch(func(e *atexitEntry) bool {
		return h == 0 || e.dso == h || (e.dso >= start && e.dso < start+length)
	})
}

// finalizeRange drains destructors whose dso handle falls inside a mapped
// range; used when a library is torn down.
func finalizeRange(start, length uintptr) {
	finalizeMatch(func(e *atexitEntry) bool {
		return e.dso >= start && e.dso < start+length
	})
}

func finalizeMatch(match func(*atexitEntry) bool) {
	// Snapshot under the lock; calls happen outside it because a
	// destructor may register further atexit entries.
	atexit.mu.Lock()
	var pending []atexitEntry
	for i := len(atexit.entries) - 1; i >= 0; i-- {
		e := &atexit.entries[i]
		if e.done || !match(e) {
			continue
		}
		e.done = true
		pending = append(pending, *e)
	}
	atexit.mu.Unlock()

	for _, e := range pending {
		log.L.Debug("running atexit destructor", log.Addr(uint64(e.fn)))
		callNative(e.fn, e.arg)
	}
}
