package linker

import (
	"debug/elf"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/zboralski/loris/internal/image"
	"github.com/zboralski/loris/internal/log"
)

// Host-adoption bootstrap: at first use, the objects the system interpreter
// already mapped (the program itself, libc, the vDSO, every linked library)
// are wrapped as immutable relocated registry entries so later dlopens can
// bind against them without remapping anything.

var (
	initOnce sync.Once
	isMusl   atomic.Bool

	procArgc uintptr
	procArgv uintptr
	procEnvp uintptr
)

// processArgs returns the (argc, argv, envp) triple imported from the host
// libc, passed to every constructor.
func processArgs() (uintptr, uintptr, uintptr) {
	return procArgc, procArgv, procEnvp
}

// IsMusl reports whether the host C library is musl. Set during Init; used
// to skip the dynamic-table fixup only glibc needs.
func IsMusl() bool { return isMusl.Load() }

// Init performs the host-adoption bootstrap. Idempotent; the load, symbol
// lookup, Dladdr, DlFindObject and DlIteratePhdr entry points call it before
// touching the registry. Epoch and CxaFinalize do not.
func Init() {
	initOnce.Do(initImpl)
}

func initImpl() {
	installDefaultInterposes()

	av := readAuxv()
	dbg := findRDebug(uintptr(av[atPhdr]), uintptr(av[atPhnum]), uintptr(av[atBase]))
	if dbg == nil {
		// Without r_debug we can still load standalone libraries, but
		// nothing can bind against host libc symbols.
		log.L.Warn("host r_debug not found; skipping adoption")
		return
	}
	chain.adoptRDebug(dbg)

	// First pass: walk the link_map for the program and libc, import the
	// process globals, and grab the host's dl_iterate_phdr.
	var iterAddr uintptr
	for cur := dbg.Map; cur != nil; cur = cur.Next {
		name := cstrAt(cur.Name)
		if strings.Contains(name, "ld-musl") {
			isMusl.Store(true)
		}
		isMain := name == ""
		isLibc := (strings.Contains(name, "libc") || strings.Contains(name, "ld-musl")) &&
			strings.Contains(name, ".so")
		if !isMain && !isLibc {
			continue
		}

		img, err := image.Adopt(image.AdoptSpec{
			Name:   name,
			Base:   cur.Addr,
			DynPtr: cur.Ld,
			Musl:   isMusl.Load(),
		})
		if err != nil || img == nil {
			continue
		}
		importLibcGlobals(img)
		if isLibc && iterAddr == 0 {
			if addr, ok := img.Lookup("dl_iterate_phdr"); ok {
				log.L.Debug("found host dl_iterate_phdr", log.Lib(name))
				iterAddr = addr
			}
		}
	}

	var maxModID uint64
	if iterAddr != 0 {
		maxModID = adoptViaIteratePhdr(iterAddr)
	} else {
		log.L.Warn("host libc has no dl_iterate_phdr; adopting from link_map only")
		maxModID = adoptFromLinkMap(dbg, uintptr(av[atPhdr]), uintptr(av[atPhnum]))
	}
	image.SetTLSModIDFloor(maxModID + 1)

	// All adopted objects are Relocated from the host's perspective;
	// compute their searchlists so dlsym on adopted handles works.
	mgr.mu.Lock()
	roots := append([]string(nil), mgr.all.keys...)
	mgr.computeSearchlists(roots)
	mgr.mu.Unlock()

	log.L.Info("host adoption complete",
		log.Size(uint64(len(roots))),
	)
}

// cDlPhdrInfo matches struct dl_phdr_info.
type cDlPhdrInfo struct {
	Addr     uintptr
	Name     *byte
	Phdr     *elf.Prog64
	Phnum    uint16
	_        [6]byte
	Adds     uint64
	Subs     uint64
	TLSModID uintptr
	TLSData  uintptr
}

// adoptViaIteratePhdr invokes the host's dl_iterate_phdr with a callback
// that synthesizes a registry entry for every reported object. Returns the
// highest TLS module id seen.
func adoptViaIteratePhdr(iterAddr uintptr) uint64 {
	var maxModID uint64
	cb := purego.NewCallback(func(info *cDlPhdrInfo, _ uintptr, _ uintptr) uintptr {
		name := cstrAt(info.Name)
		var phdrs []elf.Prog64
		if info.Phdr != nil && info.Phnum > 0 {
			phdrs = unsafe.Slice(info.Phdr, int(info.Phnum))
		}
		dynPtr := uintptr(0)
		for i := range phdrs {
			if elf.ProgType(phdrs[i].Type) == elf.PT_DYNAMIC {
				dynPtr = info.Addr + uintptr(phdrs[i].Vaddr)
				break
			}
		}
		if modID := uint64(info.TLSModID); modID > maxModID {
			maxModID = modID
		}
		adoptOne(image.AdoptSpec{
			Name:     name,
			Base:     info.Addr,
			DynPtr:   dynPtr,
			Phdrs:    phdrs,
			TLSModID: uint64(info.TLSModID),
			TLSData:  info.TLSData,
			Musl:     isMusl.Load(),
		})
		return 0
	})
	purego.SyscallN(iterAddr, cb, 0)
	return maxModID
}

// adoptFromLinkMap is the fallback when the host exposes no usable
// dl_iterate_phdr: every link_map node is adopted straight from its mapped
// ELF header. TLS data pointers are unavailable on this path, so PT_TLS is
// stripped from the adopted views.
func adoptFromLinkMap(dbg *rDebug, mainPhdr, mainPhnum uintptr) uint64 {
	for cur := dbg.Map; cur != nil; cur = cur.Next {
		name := cstrAt(cur.Name)
		var phdrs []elf.Prog64
		if name == "" && mainPhdr != 0 && mainPhnum > 0 {
			phdrs = unsafe.Slice((*elf.Prog64)(unsafe.Pointer(mainPhdr)), int(mainPhnum))
		}
		adoptOne(image.AdoptSpec{
			Name:   name,
			Base:   cur.Addr,
			DynPtr: cur.Ld,
			Phdrs:  phdrs,
			Musl:   isMusl.Load(),
		})
	}
	return 0
}

// adoptOne registers a synthesized entry for one host object.
func adoptOne(spec image.AdoptSpec) {
	img, err := image.Adopt(spec)
	if err != nil || img == nil {
		if err != nil {
			log.L.Debug("adoption skipped", log.Lib(spec.Name))
		}
		return
	}
	log.L.Adopt(img.ShortName(), uint64(img.Base()))

	e := &entry{
		img:   img,
		flags: NoDelete | Global,
		state: stateRelocated,
	}
	// Reuse the host's own link_map node so both views agree.
	e.node = chain.findByBase(img.Base())

	mgr.mu.Lock()
	mgr.register(e)
	mgr.mu.Unlock()
}

// importLibcGlobals resolves the process (argc, argv, envp) exported by the
// C library: __libc_argc/__libc_argv/environ on glibc, __argc/__argv/
// __environ on musl. First successful import wins.
func importLibcGlobals(img *image.Image) {
	if procArgc == 0 {
		if p, ok := lookupEither(img, "__libc_argc", "__argc"); ok {
			procArgc = uintptr(*(*int32)(unsafe.Pointer(p)))
		}
	}
	if procArgv == 0 {
		if p, ok := lookupEither(img, "__libc_argv", "__argv"); ok {
			procArgv = *(*uintptr)(unsafe.Pointer(p))
		}
	}
	if procEnvp == 0 {
		if p, ok := lookupEither(img, "environ", "__environ"); ok {
			procEnvp = *(*uintptr)(unsafe.Pointer(p))
		}
	}
}

func lookupEither(img *image.Image, a, b string) (uintptr, bool) {
	if addr, ok := img.Lookup(a); ok {
		return addr, true
	}
	return img.Lookup(b)
}
