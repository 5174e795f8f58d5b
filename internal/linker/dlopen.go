package linker

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/config"
	"github.com/zboralski/loris/internal/image"
	"github.com/zboralski/loris/internal/ldcache"
	"github.com/zboralski/loris/internal/ldpath"
	"github.com/zboralski/loris/internal/log"
)

var (
	resolverOnce sync.Once
	resolver     *ldpath.Resolver
	cfgBindNow   bool
)

// pathResolver lazily builds the shared path resolver from the system cache
// and the optional config file.
func pathResolver() *ldpath.Resolver {
	resolverOnce.Do(func() {
		cache, err := ldcache.Load()
		if err != nil {
			log.L.Debug("ld.so.cache unavailable", zap.Error(err))
			cache = nil
		}
		var extra []string
		if cfg, err := config.Load(); err == nil {
			extra = cfg.SearchPaths
			cfgBindNow = cfg.BindNow
		}
		resolver = ldpath.New(cache, extra)
	})
	return resolver
}

// resolvePath routes through the shared resolver; swappable in tests.
var resolvePath = func(parent *ldpath.Parent, name string) (string, error) {
	return pathResolver().Resolve(parent, name)
}

// Dlopen loads a shared object and all its transitive dependencies, runs
// constructors, and returns a handle. Idempotent when the same short name
// is already fully relocated.
func Dlopen(path string, flags OpenFlags) (*Handle, error) {
	Init()
	if path == "" || strings.IndexByte(path, 0) >= 0 || !utf8.ValidString(path) {
		return nil, ErrInvalidPath
	}
	return dlopenImpl(path, flags, func(opts image.Options) (dso, error) {
		resolved, err := resolvePath(nil, path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, path)
		}
		img, err := loadImage(resolved, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoaderFailure, err)
		}
		return img, nil
	})
}

// DlopenBinary loads a shared object from memory; path is used only for
// naming and registry keying.
func DlopenBinary(b []byte, path string, flags OpenFlags) (*Handle, error) {
	Init()
	if path == "" {
		return nil, ErrInvalidPath
	}
	return dlopenImpl(path, flags, func(opts image.Options) (dso, error) {
		img, err := image.LoadBytes(b, path, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoaderFailure, err)
		}
		return img, nil
	})
}

// This returns a handle to the main executable.
func This() (*Handle, error) {
	Init()
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	e, ok := mgr.all.get("main")
	if !ok {
		return nil, fmt.Errorf("%w: main", ErrLibraryNotFound)
	}
	e.refs++
	return &Handle{entry: e, scope: e.searchlist, flags: e.flags}, nil
}

// openContext tracks one dlopen transaction: lock ownership, the libraries
// it loaded, and the registry checkpoints replayed on rollback.
type openContext struct {
	tx    string
	flags OpenFlags

	locked bool

	// newLibs are the libraries this transaction mapped, indexed by their
	// NewIndex state.
	newLibs []*entry
	// deps is the flattened dependency set in BFS discovery order; the
	// root is deps[0]. depSrc[i] is the newLibs index, or -1 when the
	// library was already registered.
	deps   []*entry
	depSrc []int

	oldAllLen    int
	oldGlobalLen int
	committed    bool
}

func newOpenContext(flags OpenFlags) *openContext {
	ctx := &openContext{
		tx:    uuid.NewString(),
		flags: flags,
	}
	mgr.mu.Lock()
	ctx.locked = true
	ctx.oldAllLen = mgr.all.len()
	ctx.oldGlobalLen = mgr.global.len()
	return ctx
}

func (ctx *openContext) lock() {
	if !ctx.locked {
		mgr.mu.Lock()
		ctx.locked = true
	}
}

func (ctx *openContext) unlock() {
	if ctx.locked {
		mgr.mu.Unlock()
		ctx.locked = false
	}
}

// rollback replays the checkpoints saved at transaction start: registry
// truncation, link_map unsplicing, and unmapping of everything this
// transaction loaded. Also clears any Relocating marks left on surviving
// entries so concurrent openers stop spinning.
func (ctx *openContext) rollback() {
	if ctx.committed {
		ctx.unlock()
		return
	}
	log.L.Debug("rolling back dlopen transaction", zap.String("tx", ctx.tx))

	ctx.lock()
	if !ctx.flags.has(NoRegister) {
		mgr.all.truncate(ctx.oldAllLen)
		mgr.global.truncate(ctx.oldGlobalLen)
	}
	for _, e := range ctx.deps {
		if e.state.isRelocating() {
			e.state = stateRelocated
		}
	}
	ctx.unlock()

	for _, e := range ctx.newLibs {
		if e.node != nil {
			chain.remove(e.node)
		}
		_ = e.img.Unmap()
	}
}

func (ctx *openContext) imageOpts() image.Options {
	pathResolver() // loads the config file, which sets cfgBindNow
	return image.Options{
		BindLazy: ctx.flags.has(BindLazy),
		BindNow:  ctx.flags.has(BindNow) || cfgBindNow,
	}
}

// dedup returns an existing relocated library, promoting flags in place.
// When another thread is mid-load the caller spins — the transaction that
// set Relocating is guaranteed to reach Relocated or roll back.
func (ctx *openContext) dedup(shortName string) (*Handle, bool) {
	for {
		e, ok := mgr.all.get(shortName)
		if !ok {
			return nil, false
		}
		if e.state.isRelocated() {
			if ctx.flags.has(Global) && !e.flags.has(Global) {
				log.L.Debug("promoting to global scope", log.Lib(shortName))
				mgr.promoteGlobal(e)
			}
			e.flags = e.flags.promote(ctx.flags)
			e.refs++
			ctx.committed = true
			return &Handle{entry: e, scope: e.searchlist, flags: e.flags}, true
		}
		ctx.unlock()
		runtime.Gosched()
		ctx.lock()
	}
}

// addNew registers a freshly mapped image with state NewIndex(k) and
// splices its link_map node. Caller holds the write lock.
func (ctx *openContext) addNew(img dso) (*entry, error) {
	if len(ctx.newLibs) >= maxNewLibs {
		return nil, ErrTooManyLibs
	}
	e := &entry{
		img:   img,
		flags: ctx.flags,
		state: stateNew(len(ctx.newLibs)),
	}
	e.node = chain.newNode(img.Base(), img.DynPtr(), img.FullName())
	chain.add(e.node)

	mgr.register(e)
	ctx.deps = append(ctx.deps, e)
	ctx.depSrc = append(ctx.depSrc, len(ctx.newLibs))
	ctx.newLibs = append(ctx.newLibs, e)
	return e, nil
}

// inDeps reports whether a short name is already part of this transaction.
func (ctx *openContext) inDeps(name string) bool {
	for _, d := range ctx.deps {
		if d.shortName() == name {
			return true
		}
	}
	return false
}

// loadDeps drives the breadth-first dependency walk: for every library in
// the flattened set, each needed name is either linked to an existing
// registry entry (with flag promotion) or resolved, mapped, and registered
// as a new transaction member. Queue ordering guarantees parents precede
// their discoveries.
func (ctx *openContext) loadDeps() error {
	for cur := 0; cur < len(ctx.deps); cur++ {
		parent := ctx.deps[cur]
		parentNew := ctx.depSrc[cur] >= 0

		var parentCtx *ldpath.Parent
		if parentNew {
			parentCtx = &ldpath.Parent{
				Path:    parent.img.FullName(),
				RPath:   parent.img.RPath(),
				RunPath: parent.img.RunPath(),
			}
		}

		for _, name := range parent.img.Needed() {
			if ctx.flags.has(NoRegister) {
				if ctx.inDeps(name) {
					continue
				}
			} else if e, ok := mgr.lookupEntry(name); ok {
				if !ctx.inDeps(e.shortName()) {
					log.L.Debug("using existing dylib", log.Lib(e.shortName()))
					if ctx.flags.has(Global) && !e.flags.has(Global) {
						mgr.promoteGlobal(e)
					}
					e.flags = e.flags.promote(ctx.flags)
					ctx.deps = append(ctx.deps, e)
					ctx.depSrc = append(ctx.depSrc, -1)
				}
				continue
			}

			path, err := resolvePath(parentCtx, name)
			if err != nil {
				return fmt.Errorf("%w: %s (needed by %s)", ErrLibraryNotFound, name, parent.shortName())
			}
			img, err := loadImage(path, ctx.imageOpts())
			if err != nil {
				return fmt.Errorf("%w: %v", ErrLoaderFailure, err)
			}
			if _, err := ctx.addNew(img); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder schedules relocation: a library is relocated only after all of
// its new dependencies. Depth-first post-order over the new-libs graph with
// a visited set breaking cycles.
func (ctx *openContext) topoOrder() []int {
	if len(ctx.newLibs) == 0 {
		return nil
	}
	nameToNew := make(map[string]int, len(ctx.newLibs))
	for i, e := range ctx.newLibs {
		nameToNew[e.shortName()] = i
	}

	type item struct{ idx, next int }
	visited := make([]bool, len(ctx.newLibs))
	var order []int

	dfs := func(root int) {
		visited[root] = true
		stack := []item{{root, 0}}
	walk:
		for len(stack) > 0 {
			it := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			needed := ctx.newLibs[it.idx].img.Needed()
			for n := it.next; n < len(needed); n++ {
				dep, ok := nameToNew[needed[n]]
				if !ok || visited[dep] {
					continue
				}
				visited[dep] = true
				stack = append(stack, item{it.idx, n + 1})
				stack = append(stack, item{dep, 0})
				continue walk
			}
			order = append(order, it.idx)
		}
	}

	// The root first; then any member reached only through an existing
	// library, so nothing relocates after its new dependencies.
	dfs(0)
	for i := range ctx.newLibs {
		if !visited[i] {
			dfs(i)
		}
	}
	return order
}

// relocate drops the registry write lock, binds every new library in
// topological order against the composite scope, seals protections, and
// runs constructors dependency-first. The lock must not be held: user
// constructors may call DlIteratePhdr or dlopen.
func (ctx *openContext) relocate(order []int) error {
	for _, e := range ctx.deps {
		if !e.state.isRelocated() {
			continue
		}
		// Previously relocated members flip to Relocating too so
		// concurrent openers wait for a consistent view.
		e.state = stateRelocating
	}
	for _, e := range ctx.newLibs {
		e.state = stateRelocating
	}
	ctx.unlock()

	var globalSnap []*entry
	if !ctx.flags.has(NoRegister) {
		mgr.mu.RLock()
		mgr.global.each(func(_ string, e *entry) bool {
			globalSnap = append(globalSnap, e)
			return true
		})
		mgr.mu.RUnlock()
	}

	local := ctx.deps
	var scope []*entry
	if ctx.flags.has(DeepBind) {
		scope = append(append([]*entry{}, local...), globalSnap...)
	} else {
		scope = append(append([]*entry{}, globalSnap...), local...)
	}

	var lazy image.ResolveFunc
	if ctx.flags.has(NoRegister) {
		// Private loads never consult the registry; the closure holds
		// the private scope directly.
		lazy = scopeResolver(scope)
	} else {
		lazy = lazyScope(local, ctx.flags)
	}

	opts := image.RelocateOptions{
		Resolve:    scopeResolver(scope),
		Lazy:       lazy,
		ResolveTLS: scopeTLSResolver(scope),
	}

	for _, idx := range order {
		e := ctx.newLibs[idx]
		if err := e.img.Relocate(opts); err != nil {
			return fmt.Errorf("%w: %v", ErrSymbolNotFound, err)
		}
		if err := e.img.Protect(); err != nil {
			return fmt.Errorf("%w: %v", ErrLoaderFailure, err)
		}
	}

	argc, argv, envp := processArgs()
	for _, idx := range order {
		ctx.newLibs[idx].img.RunInit(argc, argv, envp)
	}
	return nil
}

// finish reacquires the lock, flips every transacted library to Relocated,
// and hands out the owning handle.
func (ctx *openContext) finish(root *entry) *Handle {
	ctx.lock()
	for _, e := range ctx.deps {
		e.state = stateRelocated
	}
	root.refs++
	ctx.committed = true
	h := &Handle{entry: root, scope: root.searchlist, flags: ctx.flags}
	ctx.unlock()
	return h
}

func dlopenImpl(path string, flags OpenFlags, load func(image.Options) (dso, error)) (*Handle, error) {
	ctx := newOpenContext(flags)
	defer ctx.rollback()

	shortName := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		shortName = path[i+1:]
	}
	log.L.Info("dlopen",
		zap.String("path", path),
		zap.String("flags", flags.String()),
		zap.String("tx", ctx.tx),
	)

	if !flags.has(NoRegister) {
		if h, ok := ctx.dedup(shortName); ok {
			ctx.unlock()
			return h, nil
		}
		if flags.has(NoLoad) {
			return nil, fmt.Errorf("%w: %s (RTLD_NOLOAD)", ErrLibraryNotFound, path)
		}
	}

	img, err := load(ctx.imageOpts())
	if err != nil {
		return nil, err
	}
	root, err := ctx.addNew(img)
	if err != nil {
		_ = img.Unmap()
		return nil, err
	}

	if err := ctx.loadDeps(); err != nil {
		return nil, err
	}

	if flags.has(NoRegister) {
		root.searchlist = ctx.deps
	} else {
		mgr.computeSearchlists([]string{root.shortName()})
	}

	order := ctx.topoOrder()
	if err := ctx.relocate(order); err != nil {
		return nil, err
	}

	return ctx.finish(root), nil
}
