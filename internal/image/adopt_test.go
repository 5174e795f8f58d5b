package image

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdoptHostObject(t *testing.T) {
	const (
		dynOff = 0x100
		strOff = 0x180
	)
	buf := make([]byte, 0x400)
	base := uintptr(unsafe.Pointer(&buf[0]))

	// ELF header so Adopt can read the machine.
	ehdr := elf.Header64{Machine: uint16(nativeMachine()), Version: 1}
	copy(ehdr.Ident[:], elf.ELFMAG)
	w := bytes.NewBuffer(buf[:0])
	require.NoError(t, binary.Write(w, binary.LittleEndian, ehdr))

	strtab := []byte("\x00libhost.so.1\x00")
	copy(buf[strOff:], strtab)

	// Dynamic table as glibc leaves it: address-bearing entries
	// rewritten to absolute.
	dyn := []elf.Dyn64{
		{Tag: int64(elf.DT_STRTAB), Val: uint64(base) + strOff},
		{Tag: int64(elf.DT_STRSZ), Val: uint64(len(strtab))},
		{Tag: int64(elf.DT_SONAME), Val: 1},
		{Tag: int64(elf.DT_NULL)},
	}
	w = bytes.NewBuffer(buf[dynOff:dynOff])
	require.NoError(t, binary.Write(w, binary.LittleEndian, dyn))

	phdrs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Vaddr: 0, Memsz: 0x400},
		{Type: uint32(elf.PT_DYNAMIC), Vaddr: dynOff},
		{Type: uint32(elf.PT_TLS), Vaddr: 0x200, Memsz: 0x40},
	}

	img, err := Adopt(AdoptSpec{
		Name:   "/usr/lib/libhost.so.1.2",
		Base:   base,
		DynPtr: base + dynOff,
		Phdrs:  phdrs,
	})
	require.NoError(t, err)
	require.NotNil(t, img)

	assert.True(t, img.Adopted())
	assert.Equal(t, "libhost.so.1", img.ShortName(), "SONAME from the recovered table")
	assert.Equal(t, base, img.Base())

	// No TLS data pointer was supplied, so PT_TLS is stripped from the
	// adopted view.
	for _, p := range img.Phdrs() {
		assert.NotEqual(t, uint32(elf.PT_TLS), p.Type)
	}
	assert.Nil(t, img.TLS())

	// The PT_DYNAMIC view points at the private copy, not host memory.
	var dynView *elf.Prog64
	for i := range img.Phdrs() {
		if elf.ProgType(img.Phdrs()[i].Type) == elf.PT_DYNAMIC {
			dynView = &img.Phdrs()[i]
		}
	}
	require.NotNil(t, dynView)
	assert.Equal(t, img.DynPtr(), base+uintptr(dynView.Vaddr))

	// Adopted objects are never unmapped or finalized by us.
	assert.NoError(t, img.Unmap())
	img.RunFini()

	runtime.KeepAlive(buf)
}

func TestAdoptNilDynamic(t *testing.T) {
	img, err := Adopt(AdoptSpec{Name: "x", Base: 0x1000, DynPtr: 0})
	assert.NoError(t, err)
	assert.Nil(t, img, "objects without a dynamic table are skipped")
}

func TestAdoptKeepsTLSWithData(t *testing.T) {
	buf := make([]byte, 0x400)
	base := uintptr(unsafe.Pointer(&buf[0]))

	ehdr := elf.Header64{Machine: uint16(nativeMachine()), Version: 1}
	copy(ehdr.Ident[:], elf.ELFMAG)
	w := bytes.NewBuffer(buf[:0])
	require.NoError(t, binary.Write(w, binary.LittleEndian, ehdr))

	dyn := []elf.Dyn64{{Tag: int64(elf.DT_NULL)}}
	w = bytes.NewBuffer(buf[0x100:0x100])
	require.NoError(t, binary.Write(w, binary.LittleEndian, dyn))

	img, err := Adopt(AdoptSpec{
		Name:   "/usr/lib/libtls.so",
		Base:   base,
		DynPtr: base + 0x100,
		Phdrs: []elf.Prog64{
			{Type: uint32(elf.PT_LOAD), Vaddr: 0, Memsz: 0x400},
			{Type: uint32(elf.PT_TLS), Vaddr: 0x200, Memsz: 0x40, Align: 8},
		},
		TLSModID:     3,
		TLSData:      base + 0x200,
		StaticOffset: -0x80,
	})
	require.NoError(t, err)
	require.NotNil(t, img)

	tls := img.TLS()
	require.NotNil(t, tls)
	assert.EqualValues(t, 3, tls.ModID)
	assert.Equal(t, base+0x200, tls.Data)
	assert.EqualValues(t, -0x80, tls.StaticOffset)
	assert.EqualValues(t, 0x40, tls.Memsz)

	runtime.KeepAlive(buf)
}
