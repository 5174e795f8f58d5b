// Package linker is the dynamic-library lifecycle engine: the process-wide
// registry of loaded objects, the dlopen orchestrator, the symbol resolver,
// and the bootstrap that adopts objects the host linker mapped at startup.
package linker

import "strings"

// OpenFlags control how dynamic libraries are loaded. The values mirror the
// dlfcn RTLD_* constants so C-ABI shims can pass them through unchanged.
type OpenFlags uint32

const (
	// Local is the converse of Global and the default: symbols defined by
	// this object are not used to resolve references in subsequently
	// loaded objects.
	Local OpenFlags = 0
	// BindLazy performs lazy binding: PLT slots resolve through the lazy
	// scope, and symbols missing at load time trap instead of failing.
	BindLazy OpenFlags = 1
	// BindNow resolves all undefined symbols before dlopen returns.
	BindNow OpenFlags = 2
	// NoLoad fails the open unless the library is already resident.
	NoLoad OpenFlags = 4
	// DeepBind places the library's own searchlist ahead of the global
	// scope during symbol resolution.
	DeepBind OpenFlags = 8
	// Global makes the object's symbols available to subsequently loaded
	// objects.
	Global OpenFlags = 256
	// NoRegister bypasses the registry entirely: the handle is private
	// and the registry never learns about the object. Loris extension.
	NoRegister OpenFlags = 1024
	// NoDelete keeps the object mapped after its last handle closes.
	NoDelete OpenFlags = 4096
)

func (f OpenFlags) has(bit OpenFlags) bool { return f&bit != 0 }

// promote folds monotone flags from a new request into existing flags.
// Global and NoDelete accumulate; nothing is ever cleared.
func (f OpenFlags) promote(req OpenFlags) OpenFlags {
	return f | req&(Global|NoDelete)
}

// runtimeLibPatterns match the well-known runtime libraries that are
// implicitly promoted to NoDelete on registration.
var runtimeLibPatterns = []string{
	"libc", "libpthread", "libdl", "libgcc_s", "ld-linux", "ld-musl",
}

func isRuntimeLib(shortName string) bool {
	for _, p := range runtimeLibPatterns {
		if strings.HasPrefix(shortName, p) {
			return true
		}
	}
	return false
}

func (f OpenFlags) String() string {
	var parts []string
	add := func(bit OpenFlags, name string) {
		if f.has(bit) {
			parts = append(parts, name)
		}
	}
	add(BindLazy, "LAZY")
	add(BindNow, "NOW")
	add(NoLoad, "NOLOAD")
	add(DeepBind, "DEEPBIND")
	add(Global, "GLOBAL")
	add(NoRegister, "NOREGISTER")
	add(NoDelete, "NODELETE")
	if len(parts) == 0 {
		return "LOCAL"
	}
	return strings.Join(parts, "|")
}
