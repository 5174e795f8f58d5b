// Package ldcache parses the glibc dynamic linker cache (/etc/ld.so.cache).
//
// Only the "new" cache format (magic glibc-ld.so.cache1.1) is understood.
// The new format either starts the file directly (modern glibc) or is
// embedded after the libc5-era header; both layouts are handled.
//
// See sysdeps/generic/dl-cache.h in the glibc source tree for details
// regarding the format.
package ldcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/zboralski/loris/internal/log"
)

const DefaultPath = "/etc/ld.so.cache"

// ErrParse is returned when the cache file is malformed or unreadable.
var ErrParse = errors.New("ldcache: parse failure")

const (
	flagElfLibc6 = 0x0003

	// Architecture bits from dl-cache.h.
	flagX8664Lib64   = 0x0300
	flagAarch64Lib64 = 0x0a00
	flagRiscvDouble  = 0x1000
)

var (
	oldMagic = []byte("ld.so-1.7.0\x00")
	newMagic = []byte("glibc-ld.so.cache1.1")
)

// Entry is a single library record from the cache.
type Entry struct {
	Key       string // short name, e.g. "libm.so.6"
	Value     string // absolute path
	Flags     uint32
	OSVersion uint32
	HWCap     uint64
}

// Cache is a parsed representation of ld.so.cache.
type Cache struct {
	store map[string][]*Entry
	dirs  []string
}

// Load reads and parses the system cache at DefaultPath.
func Load() (*Cache, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads and parses the cache at the given path.
func LoadFile(path string) (*Cache, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return Parse(b)
}

// LookupPath returns the best path for the given library short name, or ""
// if the cache has no usable entry.
func (c *Cache) LookupPath(name string) string {
	ents := c.store[name]
	if len(ents) == 0 {
		return ""
	}
	return ents[0].Value
}

// Dirs returns the deduplicated list of directories the cache entries live
// in, in first-seen order. The path resolver does not search them; it
// consults the cache only through LookupPath.
func (c *Cache) Dirs() []string {
	return c.dirs
}

// Len returns the number of distinct library names in the cache.
func (c *Cache) Len() int {
	return len(c.store)
}

// Parse parses a raw cache image.
func Parse(data []byte) (*Cache, error) {
	body, err := seekNewFormat(data)
	if err != nil {
		return nil, err
	}

	// String table indices are relative to the start of the new-format
	// block.
	strTab := body

	if !bytes.HasPrefix(body, newMagic) {
		return nil, fmt.Errorf("%w: missing new-format magic", ErrParse)
	}
	body = body[len(newMagic):]

	// nlibs, len_strings, then five unused uint32s pad the header to 48
	// bytes from the magic.
	if len(body) < 4+4+20 {
		return nil, fmt.Errorf("%w: truncated header", ErrParse)
	}
	nlibs := int(binary.LittleEndian.Uint32(body))
	lenStrings := int(binary.LittleEndian.Uint32(body[4:]))
	body = body[4+4+20:]

	const entrySz = 4 + 4 + 4 + 4 + 8
	if nlibs < 0 || len(body) < nlibs*entrySz {
		return nil, fmt.Errorf("%w: truncated entries", ErrParse)
	}
	rawLibs := body[:nlibs*entrySz]
	if rest := body[nlibs*entrySz:]; len(rest) < lenStrings {
		return nil, fmt.Errorf("%w: string table exceeds file", ErrParse)
	}

	getString := func(idx int) (string, error) {
		if idx < 0 || idx >= len(strTab) {
			return "", fmt.Errorf("%w: string table index out of bounds", ErrParse)
		}
		l := bytes.IndexByte(strTab[idx:], 0)
		if l < 0 {
			return "", fmt.Errorf("%w: unterminated string", ErrParse)
		}
		return string(strTab[idx : idx+l]), nil
	}

	c := &Cache{store: make(map[string][]*Entry)}
	seenDir := make(map[string]bool)

	for i := 0; i < nlibs; i++ {
		raw := rawLibs[entrySz*i : entrySz*(i+1)]

		e := &Entry{
			Flags:     binary.LittleEndian.Uint32(raw[0:]),
			OSVersion: binary.LittleEndian.Uint32(raw[12:]),
			HWCap:     binary.LittleEndian.Uint64(raw[16:]),
		}
		kIdx := int(binary.LittleEndian.Uint32(raw[4:]))
		vIdx := int(binary.LittleEndian.Uint32(raw[8:]))

		if e.Key, err = getString(kIdx); err != nil {
			return nil, err
		}
		if e.Value, err = getString(vIdx); err != nil {
			return nil, err
		}

		if !flagsMatch(e.Flags) {
			log.L.Debug("ldcache: skipping entry", log.Lib(e.Key))
			continue
		}

		c.store[e.Key] = append(c.store[e.Key], e)
		if dir := filepath.Dir(e.Value); dir != "." && !seenDir[dir] {
			seenDir[dir] = true
			c.dirs = append(c.dirs, dir)
		}
	}

	// Order multiple entries per key the way ld-linux.so would prefer
	// them: higher hwcap, then higher osVersion.
	for key, ents := range c.store {
		if len(ents) == 1 {
			continue
		}
		sort.SliceStable(ents, func(i, j int) bool {
			if ents[i].HWCap != ents[j].HWCap {
				return ents[i].HWCap > ents[j].HWCap
			}
			return ents[i].OSVersion > ents[j].OSVersion
		})
		c.store[key] = ents
	}

	return c, nil
}

// seekNewFormat returns the slice starting at the new-format magic. Modern
// glibc writes the new format at offset 0; older files embed it after the
// libc5 header.
func seekNewFormat(b []byte) ([]byte, error) {
	if bytes.HasPrefix(b, newMagic) {
		return b, nil
	}
	if !bytes.HasPrefix(b, oldMagic) {
		return nil, fmt.Errorf("%w: unrecognized magic", ErrParse)
	}

	const oldEntrySz = 4 + 4 + 4
	off := len(oldMagic)
	rest := b[off:]

	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: truncated old header", ErrParse)
	}
	nlibs := int(binary.LittleEndian.Uint32(rest))
	off += 4
	rest = rest[4:]

	skip := oldEntrySz * nlibs
	if nlibs < 0 || len(rest) < skip {
		return nil, fmt.Errorf("%w: truncated old entries", ErrParse)
	}
	off += skip
	rest = rest[skip:]

	// The new magic is 8-byte aligned relative to the file start.
	pad := (off+7)/8*8 - off
	if len(rest) < pad {
		return nil, fmt.Errorf("%w: truncated padding", ErrParse)
	}
	return rest[pad:], nil
}

func flagsMatch(flags uint32) bool {
	if flags&flagElfLibc6 != flagElfLibc6 {
		return false
	}
	switch runtime.GOARCH {
	case "amd64":
		return flags&flagX8664Lib64 == flagX8664Lib64
	case "arm64":
		return flags&flagAarch64Lib64 == flagAarch64Lib64
	case "riscv64":
		return flags&flagRiscvDouble == flagRiscvDouble
	default:
		return false
	}
}
