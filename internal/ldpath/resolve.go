// Package ldpath resolves library short names to filesystem paths using the
// standard dynamic-linker search order.
package ldpath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zboralski/loris/internal/ldcache"
	"github.com/zboralski/loris/internal/log"
)

// ErrNotFound is returned when every search location has been exhausted.
var ErrNotFound = errors.New("library not found")

// Parent carries the search-path context of the object requesting a
// dependency. RPath and RunPath are the raw colon-separated strings from the
// dynamic table and may contain $ORIGIN tokens.
type Parent struct {
	Path    string
	RPath   string
	RunPath string
}

// defaultPaths is the trusted system search list, including the
// multiarch-triple variants for every supported target.
var defaultPaths = []string{
	"/lib",
	"/usr/lib",
	"/lib64",
	"/usr/lib64",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/lib/riscv64-linux-gnu",
	"/usr/lib/riscv64-linux-gnu",
}

// Resolver locates shared objects on disk. Construct with New; the zero
// value searches the parent's RPATH/RUNPATH and the default system paths,
// with no LD_LIBRARY_PATH, cache or extra directories.
type Resolver struct {
	ldLibraryPath []string
	cache         *ldcache.Cache
	extra         []string

	// stat is swappable for tests.
	stat func(string) bool
}

// New builds a resolver. cache may be nil when /etc/ld.so.cache was absent
// or unreadable; extra holds additional directories from the config file,
// searched after the defaults.
func New(cache *ldcache.Cache, extra []string) *Resolver {
	return &Resolver{
		ldLibraryPath: splitPathList(os.Getenv("LD_LIBRARY_PATH")),
		cache:         cache,
		extra:         extra,
		stat:          fileExists,
	}
}

// Resolve translates a library name into a path.
//
// A name containing a slash is used verbatim. Otherwise the search order is
// DT_RPATH (unless the parent carries DT_RUNPATH), LD_LIBRARY_PATH,
// DT_RUNPATH, ld.so.cache, then the default system paths.
func (r *Resolver) Resolve(parent *Parent, name string) (string, error) {
	if r.stat == nil {
		r.stat = fileExists
	}
	if strings.ContainsRune(name, '/') {
		return name, nil
	}

	var rpath, runpath []string
	if parent != nil {
		rpath = ExpandOrigin(parent.Path, parent.RPath)
		runpath = ExpandOrigin(parent.Path, parent.RunPath)
	}

	// DT_RUNPATH disables DT_RPATH per the ELF gABI.
	if len(runpath) == 0 {
		if p := r.firstHit(rpath, name); p != "" {
			return p, nil
		}
	}
	if p := r.firstHit(r.ldLibraryPath, name); p != "" {
		return p, nil
	}
	if p := r.firstHit(runpath, name); p != "" {
		return p, nil
	}
	if r.cache != nil {
		if p := r.cache.LookupPath(name); p != "" && r.stat(p) {
			log.L.Debug("ldpath: cache hit", log.Lib(name))
			return p, nil
		}
	}
	if p := r.firstHit(defaultPaths, name); p != "" {
		return p, nil
	}
	if p := r.firstHit(r.extra, name); p != "" {
		return p, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (r *Resolver) firstHit(dirs []string, name string) string {
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		if r.stat(p) {
			return p
		}
	}
	return ""
}

// ExpandOrigin parses a raw RPATH/RUNPATH string into a directory list,
// substituting $ORIGIN and ${ORIGIN} with the directory of libPath. Every
// $-delimited segment must begin with ORIGIN or {ORIGIN}; a malformed string
// logs a warning and yields no paths.
func ExpandOrigin(libPath, raw string) []string {
	if raw == "" {
		return nil
	}
	if !strings.ContainsRune(raw, '$') {
		return splitPathList(raw)
	}

	for _, seg := range strings.Split(raw, "$")[1:] {
		if !strings.HasPrefix(seg, "ORIGIN") && !strings.HasPrefix(seg, "{ORIGIN}") {
			log.L.Warn("ldpath: malformed RPATH/RUNPATH entry", log.Lib(raw))
			return nil
		}
	}

	dir := "."
	if i := strings.LastIndexByte(libPath, '/'); i > 0 {
		dir = libPath[:i]
	}

	expanded := strings.ReplaceAll(raw, "${ORIGIN}", dir)
	expanded = strings.ReplaceAll(expanded, "$ORIGIN", dir)
	return splitPathList(expanded)
}

func splitPathList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
