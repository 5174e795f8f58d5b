package linker

import (
	"debug/elf"

	"github.com/zboralski/loris/internal/image"
)

// dso is the view of a mapped object the engine needs. *image.Image is the
// production implementation; tests substitute in-process fakes.
type dso interface {
	ShortName() string
	FullName() string
	Base() uintptr
	RangeStart() uintptr
	MappedLen() uintptr
	Phdrs() []elf.Prog64
	DynPtr() uintptr
	Needed() []string
	RPath() string
	RunPath() string
	TLS() *image.TLSTemplate
	EhFrameHdr() uintptr
	ContainsAddr(uintptr) bool

	Lookup(name string) (uintptr, bool)
	LookupSym(name string) (*elf.Sym64, bool)
	LookupVersion(name, version string) (uintptr, bool)
	NearestSymbol(addr uintptr) (string, uintptr, bool)

	Relocate(image.RelocateOptions) error
	Protect() error
	Unmap() error
	RunInit(argc, argv, envp uintptr)
	RunFini()
}

// loadImage maps a shared object from disk; swappable in tests.
var loadImage = func(path string, opts image.Options) (dso, error) {
	img, err := image.Load(path, opts)
	if err != nil {
		return nil, err
	}
	return img, nil
}
