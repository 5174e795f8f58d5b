// Package loris is a user-space ELF dynamic loader: a pure-Go substitute
// for the platform interpreter that loads shared objects from disk or
// memory, resolves their dependencies, performs relocations, and exposes
// the classic dlopen/dlsym/dlclose programming interface with glibc/musl
// semantics. Libraries the system linker already mapped at process start
// (the program, libc, the vDSO) are adopted into the registry so loaded
// objects can bind against them without a second mapping.
//
//	loris.Init()
//	lib, err := loris.Dlopen("./libexample.so", loris.BindLazy)
//	if err != nil {
//		// ...
//	}
//	defer lib.Close()
//
//	var add func(int32, int32) int32
//	if err := lib.Bind(&add, "add"); err != nil {
//		// ...
//	}
//	fmt.Println(add(1, 1))
package loris

import (
	"github.com/zboralski/loris/internal/linker"
	"github.com/zboralski/loris/internal/log"
)

// Handle is an open reference to a loaded library.
type Handle = linker.Handle

// OpenFlags control how libraries are loaded.
type OpenFlags = linker.OpenFlags

// Open-flag values, mirroring dlfcn RTLD_* semantics.
const (
	Local      = linker.Local
	BindLazy   = linker.BindLazy
	BindNow    = linker.BindNow
	NoLoad     = linker.NoLoad
	DeepBind   = linker.DeepBind
	Global     = linker.Global
	NoRegister = linker.NoRegister
	NoDelete   = linker.NoDelete
)

// Pseudo-handle values for C-ABI shims layered on top of Dlsym.
const (
	HandleDefault = linker.HandleDefault
	HandleNext    = linker.HandleNext
)

// PhdrInfo describes one loaded object during iteration.
type PhdrInfo = linker.PhdrInfo

// AddrInfo is the result of a Dladdr lookup.
type AddrInfo = linker.AddrInfo

// FindObject is the unwinder-facing result of DlFindObject.
type FindObject = linker.FindObject

// Errors surfaced by the loader.
var (
	ErrLibraryNotFound = linker.ErrLibraryNotFound
	ErrLoaderFailure   = linker.ErrLoaderFailure
	ErrSymbolNotFound  = linker.ErrSymbolNotFound
	ErrInvalidPath     = linker.ErrInvalidPath
)

// Init adopts the host linker's already-mapped objects into the registry.
// Idempotent; the load, symbol lookup and iteration functions call it
// implicitly, but programs that care about when the walk happens may call it
// eagerly.
func Init() { linker.Init() }

// SetDebug enables development logging.
func SetDebug(debug bool) { log.Init(debug) }

// Dlopen loads a shared object and its transitive dependencies, runs
// constructors, and returns a handle.
func Dlopen(path string, flags OpenFlags) (*Handle, error) {
	return linker.Dlopen(path, flags)
}

// DlopenBinary loads a shared object from memory; path is used for naming.
func DlopenBinary(b []byte, path string, flags OpenFlags) (*Handle, error) {
	return linker.DlopenBinary(b, path, flags)
}

// This returns a handle to the main executable.
func This() (*Handle, error) { return linker.This() }

// Dlsym resolves a symbol. A nil handle searches the global scope,
// matching dlsym(RTLD_DEFAULT, ...).
func Dlsym(h *Handle, name string) (uintptr, error) {
	if h == nil {
		return linker.GlobalFind(name)
	}
	return h.Lookup(name)
}

// DlsymNext continues the global scope walk after the caller's own
// library, matching dlsym(RTLD_NEXT, ...).
func DlsymNext(name string) (uintptr, error) {
	return linker.NextFind(name)
}

// DlIteratePhdr enumerates all adopted and loaded objects in registration
// order. A non-nil callback error aborts the walk and is returned.
func DlIteratePhdr(cb func(*PhdrInfo) error) error {
	return linker.DlIteratePhdr(cb)
}

// Dladdr reverse-looks-up the library and nearest symbol for an address.
func Dladdr(addr uintptr) (AddrInfo, bool) { return linker.Dladdr(addr) }

// DlFindObject returns the map range and .eh_frame pointer for the object
// containing pc, for unwinder integration.
func DlFindObject(pc uintptr) (FindObject, bool) { return linker.DlFindObject(pc) }

// Interpose registers a native address to win over every scope member when
// binding subsequently loaded objects.
func Interpose(name string, addr uintptr, aliases ...string) {
	linker.Interpose(name, addr, aliases...)
}

// InterposeFunc wraps a Go function with a C-callable trampoline and
// interposes it.
func InterposeFunc(name string, fn any, aliases ...string) {
	linker.InterposeFunc(name, fn, aliases...)
}

// CxaFinalize drains destructors registered by code within the given DSO
// handle; a zero handle drains everything.
func CxaFinalize(dso uintptr) { linker.CxaFinalize(dso) }
