package ldcache

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allArchFlags carries every architecture bit so synthetic entries match
// whatever architecture the test runs on.
const allArchFlags = flagElfLibc6 | flagX8664Lib64 | flagAarch64Lib64 | flagRiscvDouble

type testEntry struct {
	key, value string
	flags      uint32
	hwcap      uint64
	osVersion  uint32
}

// buildNewFormat serializes entries into a raw new-format cache image.
func buildNewFormat(entries []testEntry) []byte {
	var strtab []byte
	// String indices are relative to the new-format block start; the
	// string table begins after the header and entry array.
	stringBase := 48 + 24*len(entries)

	offsets := make([][2]uint32, len(entries))
	for i, e := range entries {
		offsets[i][0] = uint32(stringBase + len(strtab))
		strtab = append(strtab, e.key...)
		strtab = append(strtab, 0)
		offsets[i][1] = uint32(stringBase + len(strtab))
		strtab = append(strtab, e.value...)
		strtab = append(strtab, 0)
	}

	buf := make([]byte, 0, stringBase+len(strtab))
	buf = append(buf, newMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(strtab)))
	buf = append(buf, make([]byte, 20)...) // unused

	for i, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.flags)
		buf = binary.LittleEndian.AppendUint32(buf, offsets[i][0])
		buf = binary.LittleEndian.AppendUint32(buf, offsets[i][1])
		buf = binary.LittleEndian.AppendUint32(buf, e.osVersion)
		buf = binary.LittleEndian.AppendUint64(buf, e.hwcap)
	}
	return append(buf, strtab...)
}

// wrapOldFormat embeds a new-format image after a libc5-era header.
func wrapOldFormat(newFormat []byte) []byte {
	buf := append([]byte{}, oldMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // nlibs
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	// Offsets in the embedded block are relative to the block itself, so
	// plain concatenation is valid.
	return append(buf, newFormat...)
}

func TestParseNewFormat(t *testing.T) {
	raw := buildNewFormat([]testEntry{
		{key: "libm.so.6", value: "/usr/lib/libm.so.6", flags: allArchFlags},
		{key: "libz.so.1", value: "/lib/libz.so.1", flags: allArchFlags},
	})

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "/usr/lib/libm.so.6", c.LookupPath("libm.so.6"))
	assert.Equal(t, "/lib/libz.so.1", c.LookupPath("libz.so.1"))
	assert.Equal(t, "", c.LookupPath("libmissing.so"))
}

func TestParseEmbeddedOldFormat(t *testing.T) {
	raw := wrapOldFormat(buildNewFormat([]testEntry{
		{key: "libm.so.6", value: "/usr/lib/libm.so.6", flags: allArchFlags},
	}))

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/usr/lib/libm.so.6", c.LookupPath("libm.so.6"))
}

func TestParseDirs(t *testing.T) {
	raw := buildNewFormat([]testEntry{
		{key: "liba.so", value: "/usr/lib/liba.so", flags: allArchFlags},
		{key: "libb.so", value: "/usr/lib/libb.so", flags: allArchFlags},
		{key: "libc.so.6", value: "/lib/libc.so.6", flags: allArchFlags},
	})

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/lib", "/lib"}, c.Dirs(),
		"directories deduplicated in first-seen order")
}

func TestParseSkipsForeignArch(t *testing.T) {
	raw := buildNewFormat([]testEntry{
		{key: "libm.so.6", value: "/usr/lib/libm.so.6", flags: allArchFlags},
		{key: "lib32.so", value: "/lib32/lib32.so", flags: flagElfLibc6}, // no arch bits
	})

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "", c.LookupPath("lib32.so"))
}

func TestParseHwcapPreference(t *testing.T) {
	raw := buildNewFormat([]testEntry{
		{key: "libv.so", value: "/lib/plain/libv.so", flags: allArchFlags, hwcap: 0},
		{key: "libv.so", value: "/lib/hwcap/libv.so", flags: allArchFlags, hwcap: 8},
	})

	c, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/lib/hwcap/libv.so", c.LookupPath("libv.so"),
		"higher hwcap entries are preferred")
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		[]byte("not a cache"),
		[]byte("ld.so-1.7.0\x00"),          // truncated old header
		append([]byte{}, newMagic[:10]...), // truncated magic
		append(append([]byte{}, newMagic...), // header cut short
			0x01, 0x00),
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrParse)
	}
}

func TestParseTruncatedEntries(t *testing.T) {
	raw := buildNewFormat([]testEntry{
		{key: "libm.so.6", value: "/usr/lib/libm.so.6", flags: allArchFlags},
	})
	// Claim more entries than the file holds.
	binary.LittleEndian.PutUint32(raw[20:], 1000)
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrParse)
}
