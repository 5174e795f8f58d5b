package linker

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDlopenDedupIdempotence(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	h1, err := Dlopen("libexample.so", BindLazy)
	require.NoError(t, err)
	allAfterFirst, _ := registrySizes()

	h2, err := Dlopen("libexample.so", BindLazy)
	require.NoError(t, err)
	allAfterSecond, _ := registrySizes()

	assert.Equal(t, h1.Base(), h2.Base())
	assert.Equal(t, allAfterFirst, allAfterSecond)
}

func TestDlopenFlagPromotionIsMonotone(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	h1, err := Dlopen("libexample.so", Local)
	require.NoError(t, err)
	_, globalLen := registrySizes()
	assert.Equal(t, 0, globalLen)

	h2, err := Dlopen("libexample.so", Global)
	require.NoError(t, err)
	_, globalLen = registrySizes()
	assert.Equal(t, 1, globalLen, "GLOBAL promotion must insert into the global scope")

	// A later LOCAL open must not demote.
	h3, err := Dlopen("libexample.so", Local)
	require.NoError(t, err)
	_, globalLen = registrySizes()
	assert.Equal(t, 1, globalLen)

	_ = h1
	_ = h2
	_ = h3
}

func TestDlopenSearchlistClosure(t *testing.T) {
	w := newFakeWorld()
	w.add("libroot.so", func() *fakeDSO { return newFakeDSO("libroot.so", 0x1000, "libmid.so", "libleaf.so") })
	w.add("libmid.so", func() *fakeDSO { return newFakeDSO("libmid.so", 0x2000, "libleaf.so") })
	w.add("libleaf.so", func() *fakeDSO { return newFakeDSO("libleaf.so", 0x3000) })
	w.install(t)

	h, err := Dlopen("libroot.so", BindLazy)
	require.NoError(t, err)

	sl := h.Searchlist()
	require.NotEmpty(t, sl)
	assert.Equal(t, "libroot.so", sl[0], "searchlist starts with the library itself")

	inScope := map[string]bool{}
	for _, n := range sl {
		inScope[n] = true
	}
	// Transitively, every needed name resolves inside the searchlist.
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, n := range sl {
		e, ok := mgr.all.get(n)
		require.True(t, ok, "searchlist member %s must be registered", n)
		for _, needed := range e.img.Needed() {
			assert.True(t, inScope[needed], "%s needed by %s must be in scope", needed, n)
		}
	}
}

func TestDlopenRollbackAtomicity(t *testing.T) {
	w := newFakeWorld()
	w.add("libroot.so", func() *fakeDSO { return newFakeDSO("libroot.so", 0x1000, "libmissing.so") })
	w.install(t)

	allBefore, globalBefore := registrySizes()

	_, err := Dlopen("libroot.so", Global)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLibraryNotFound)

	allAfter, globalAfter := registrySizes()
	assert.Equal(t, allBefore, allAfter)
	assert.Equal(t, globalBefore, globalAfter)
}

func TestDlopenRollbackUnmapsNewLibs(t *testing.T) {
	var mid *fakeDSO
	w := newFakeWorld()
	w.add("libroot.so", func() *fakeDSO { return newFakeDSO("libroot.so", 0x1000, "libmid.so") })
	w.add("libmid.so", func() *fakeDSO {
		mid = newFakeDSO("libmid.so", 0x2000, "libmissing.so")
		return mid
	})
	w.install(t)

	_, err := Dlopen("libroot.so", BindLazy)
	require.Error(t, err)
	require.NotNil(t, mid)
	assert.True(t, mid.unmapped, "transaction members must be unmapped on rollback")
}

func TestDlcloseRefcountDestruction(t *testing.T) {
	var root, leaf *fakeDSO
	w := newFakeWorld()
	w.add("libroot.so", func() *fakeDSO {
		root = newFakeDSO("libroot.so", 0x1000, "libleaf.so")
		return root
	})
	w.add("libleaf.so", func() *fakeDSO {
		leaf = newFakeDSO("libleaf.so", 0x2000)
		return leaf
	})
	w.install(t)

	h, err := Dlopen("libroot.so", BindLazy)
	require.NoError(t, err)
	_, subsBefore := Epoch()

	require.NoError(t, h.Close())

	mgr.mu.RLock()
	_, rootPresent := mgr.all.get("libroot.so")
	_, leafPresent := mgr.all.get("libleaf.so")
	mgr.mu.RUnlock()

	assert.False(t, rootPresent, "closed library must leave the registry")
	assert.False(t, leafPresent, "unreferenced dependency must cascade")
	assert.True(t, root.finiRun)
	assert.True(t, root.unmapped)
	assert.True(t, leaf.finiRun)

	_, subsAfter := Epoch()
	assert.Greater(t, subsAfter, subsBefore)
}

func TestDlcloseNoDeleteKeepsLibrary(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	h, err := Dlopen("libexample.so", NoDelete)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	mgr.mu.RLock()
	_, present := mgr.all.get("libexample.so")
	mgr.mu.RUnlock()
	assert.True(t, present)
}

func TestDlcloseSecondHandleKeepsLibrary(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	h1, err := Dlopen("libexample.so", BindLazy)
	require.NoError(t, err)
	h2, err := Dlopen("libexample.so", BindLazy)
	require.NoError(t, err)

	require.NoError(t, h1.Close())
	mgr.mu.RLock()
	_, present := mgr.all.get("libexample.so")
	mgr.mu.RUnlock()
	assert.True(t, present, "library must survive while a handle is open")

	require.NoError(t, h2.Close())
	mgr.mu.RLock()
	_, present = mgr.all.get("libexample.so")
	mgr.mu.RUnlock()
	assert.False(t, present)
}

func TestGlobalFindEarliestWins(t *testing.T) {
	w := newFakeWorld()
	w.add("libfirst.so", func() *fakeDSO {
		f := newFakeDSO("libfirst.so", 0x1000)
		f.syms["shared"] = 0x1100
		return f
	})
	w.add("libsecond.so", func() *fakeDSO {
		f := newFakeDSO("libsecond.so", 0x2000)
		f.syms["shared"] = 0x2100
		return f
	})
	w.install(t)

	_, err := Dlopen("libfirst.so", Global)
	require.NoError(t, err)
	_, err = Dlopen("libsecond.so", Global)
	require.NoError(t, err)

	addr, err := GlobalFind("shared")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1100), addr, "earliest-inserted global library wins")
}

func TestDlopenNoLoadAbsentFails(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	_, err := Dlopen("libexample.so", NoLoad)
	assert.ErrorIs(t, err, ErrLibraryNotFound)

	// NOLOAD|GLOBAL on a present non-global library promotes it.
	_, err = Dlopen("libexample.so", Local)
	require.NoError(t, err)
	_, err = Dlopen("libexample.so", NoLoad|Global)
	require.NoError(t, err)
	_, globalLen := registrySizes()
	assert.Equal(t, 1, globalLen)
}

func TestDlopenParallelSameLibrary(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	const n = 8
	var wg sync.WaitGroup
	bases := make([]uintptr, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := Dlopen("libexample.so", BindLazy)
			if err != nil {
				errs[i] = err
				return
			}
			bases[i] = h.Base()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, bases[0], bases[i], "all handles must share one mapping")
	}
	allLen, _ := registrySizes()
	assert.Equal(t, 1, allLen, "exactly one record for the short name")
}

func TestDlopenTopologicalOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(f *fakeDSO) {
		mu.Lock()
		order = append(order, f.name)
		mu.Unlock()
	}

	w := newFakeWorld()
	w.add("libroot.so", func() *fakeDSO {
		f := newFakeDSO("libroot.so", 0x1000, "libdep.so")
		f.onRelocate = record
		return f
	})
	w.add("libdep.so", func() *fakeDSO {
		f := newFakeDSO("libdep.so", 0x2000)
		f.onRelocate = record
		return f
	})
	w.install(t)

	_, err := Dlopen("libroot.so", BindLazy)
	require.NoError(t, err)
	require.Equal(t, []string{"libdep.so", "libroot.so"}, order,
		"dependencies relocate before their dependents")
}

func TestDlopenCyclicDependencies(t *testing.T) {
	w := newFakeWorld()
	w.add("liba.so", func() *fakeDSO { return newFakeDSO("liba.so", 0x1000, "libb.so") })
	w.add("libb.so", func() *fakeDSO { return newFakeDSO("libb.so", 0x2000, "liba.so") })
	w.install(t)

	h, err := Dlopen("liba.so", BindLazy)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"liba.so", "libb.so"}, h.Searchlist())
}

func TestDlopenNoRegisterIsPrivate(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO { return newFakeDSO("libexample.so", 0x1000) })
	w.install(t)

	h, err := Dlopen("libexample.so", NoRegister)
	require.NoError(t, err)

	allLen, globalLen := registrySizes()
	assert.Equal(t, 0, allLen, "NoRegister must bypass the registry")
	assert.Equal(t, 0, globalLen)

	// Lookups go through the private scope; a name no member defines is
	// reported as not found.
	_, err = h.Lookup("nope")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	require.NoError(t, h.Close())
}

func TestDlopenIteratePhdrFromConstructor(t *testing.T) {
	// A constructor calling DlIteratePhdr must not deadlock and must see
	// the in-progress library in Relocating state.
	var sawSelf, sawRelocating bool
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO {
		f := newFakeDSO("libexample.so", 0x1000)
		f.onInit = func(*fakeDSO) {
			_ = DlIteratePhdr(func(info *PhdrInfo) error {
				if info.Name == "/fake/libexample.so" {
					sawSelf = true
					sawRelocating = info.Relocating
				}
				return nil
			})
		}
		return f
	})
	w.install(t)

	_, err := Dlopen("libexample.so", BindLazy)
	require.NoError(t, err)
	assert.True(t, sawSelf, "in-progress library must be visible during iteration")
	assert.True(t, sawRelocating, "in-progress library must report Relocating")
}

func TestDlopenRelocationFailureRollsBack(t *testing.T) {
	w := newFakeWorld()
	w.add("libexample.so", func() *fakeDSO {
		f := newFakeDSO("libexample.so", 0x1000)
		f.relocErr = errors.New("undefined symbol: frobnicate")
		return f
	})
	w.install(t)

	allBefore, _ := registrySizes()
	_, err := Dlopen("libexample.so", BindNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	allAfter, _ := registrySizes()
	assert.Equal(t, allBefore, allAfter)
}

func TestDlopenInvalidPath(t *testing.T) {
	w := newFakeWorld()
	w.install(t)
	_, err := Dlopen("", BindLazy)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestDlopenTransactionCap(t *testing.T) {
	// A root with maxNewLibs dependencies needs maxNewLibs+1 new slots and
	// fails.
	w := newFakeWorld()
	var needs []string
	for i := 0; i < maxNewLibs; i++ {
		name := depName(i)
		needs = append(needs, name)
		n := name
		base := uintptr(0x10000 + i*0x1000)
		w.add(n, func() *fakeDSO { return newFakeDSO(n, base) })
	}
	w.add("libhub.so", func() *fakeDSO { return newFakeDSO("libhub.so", 0x1000, needs...) })
	w.install(t)

	_, err := Dlopen("libhub.so", BindLazy)
	assert.ErrorIs(t, err, ErrTooManyLibs)

	allLen, _ := registrySizes()
	assert.Equal(t, 0, allLen, "cap overflow must roll back cleanly")
}

func depName(i int) string {
	return "libdep" + string(rune('a'+i/26)) + string(rune('a'+i%26)) + ".so"
}
