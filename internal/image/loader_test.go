package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMiniDyn emits a minimal valid ET_DYN object for the native machine:
// one PT_LOAD covering the file, a PT_DYNAMIC with a string table, a SONAME
// and one DT_NEEDED.
func buildMiniDyn(t *testing.T, machine elf.Machine) []byte {
	t.Helper()

	const (
		phoff   = 0x40
		dynOff  = 0x100
		strOff  = 0x180
		fileLen = 0x200
	)

	strtab := []byte("\x00libdep.so\x00libmini.so\x00")
	needOff, sonameOff := uint64(1), uint64(11)

	buf := make([]byte, fileLen)
	copy(buf[strOff:], strtab)

	// Dynamic table.
	dyn := []elf.Dyn64{
		{Tag: int64(elf.DT_NEEDED), Val: needOff},
		{Tag: int64(elf.DT_SONAME), Val: sonameOff},
		{Tag: int64(elf.DT_STRTAB), Val: strOff},
		{Tag: int64(elf.DT_STRSZ), Val: uint64(len(strtab))},
		{Tag: int64(elf.DT_NULL)},
	}
	w := bytes.NewBuffer(buf[dynOff:dynOff])
	require.NoError(t, binary.Write(w, binary.LittleEndian, dyn))

	// Program headers: PT_LOAD over the whole file, then PT_DYNAMIC.
	phdrs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Vaddr: 0, Filesz: fileLen, Memsz: 0x400, Align: 0x1000},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R), Off: dynOff, Vaddr: dynOff, Filesz: 5 * 16, Memsz: 5 * 16, Align: 8},
	}
	w = bytes.NewBuffer(buf[phoff:phoff])
	require.NoError(t, binary.Write(w, binary.LittleEndian, phdrs))

	ehdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   1,
		Phoff:     phoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(phdrs)),
		Shentsize: 64,
	}
	copy(ehdr.Ident[:], elf.ELFMAG)
	ehdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w = bytes.NewBuffer(buf[:0])
	require.NoError(t, binary.Write(w, binary.LittleEndian, ehdr))

	return buf
}

func TestLoadBytesMiniObject(t *testing.T) {
	raw := buildMiniDyn(t, nativeMachine())

	img, err := LoadBytes(raw, "/tmp/libmini.so.0", Options{BindLazy: true})
	require.NoError(t, err)
	defer img.Unmap()

	assert.Equal(t, "libmini.so", img.ShortName(), "SONAME keys the registry")
	assert.Equal(t, "/tmp/libmini.so.0", img.FullName())
	assert.Equal(t, []string{"libdep.so"}, img.Needed())
	assert.NotZero(t, img.Base())
	assert.NotZero(t, img.DynPtr())
	assert.False(t, img.BindNow())
	assert.True(t, img.ContainsAddr(img.Base()+0x100))
	assert.False(t, img.ContainsAddr(img.Base()+0x10000))

	// The mapped copy carries the file contents.
	assert.NoError(t, img.Relocate(RelocateOptions{}))
	assert.NoError(t, img.Protect())
}

func TestLoadBytesRejectsWrongMachine(t *testing.T) {
	other := elf.EM_AARCH64
	if nativeMachine() == elf.EM_AARCH64 {
		other = elf.EM_X86_64
	}
	raw := buildMiniDyn(t, other)
	_, err := LoadBytes(raw, "/tmp/libmini.so", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
}

func TestLoadBytesRejectsGarbage(t *testing.T) {
	_, err := LoadBytes([]byte("definitely not an ELF"), "x.so", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/libnope.so", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
}

func TestSetTLSModIDFloor(t *testing.T) {
	SetTLSModIDFloor(100)
	first := tlsModID.Add(1)
	assert.Greater(t, first, uint64(100))

	// Lowering the floor is a no-op.
	SetTLSModIDFloor(1)
	second := tlsModID.Add(1)
	assert.Greater(t, second, first)
}
