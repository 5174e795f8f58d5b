package image

import "debug/elf"

// relocClass collapses the per-architecture relocation numbers into the
// handful of behaviors the engine implements.
type relocClass int

const (
	relocUnknown relocClass = iota
	relocNone
	relocRelative
	relocGlobDat
	relocJumpSlot
	relocAbs
	relocIRelative
	relocDTPMod
	relocDTPOff
	relocTPOff
	relocCopy
)

func classify(machine elf.Machine, rtype uint32) relocClass {
	switch machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(rtype) {
		case elf.R_X86_64_NONE:
			return relocNone
		case elf.R_X86_64_RELATIVE:
			return relocRelative
		case elf.R_X86_64_GLOB_DAT:
			return relocGlobDat
		case elf.R_X86_64_JMP_SLOT:
			return relocJumpSlot
		case elf.R_X86_64_64:
			return relocAbs
		case elf.R_X86_64_IRELATIVE:
			return relocIRelative
		case elf.R_X86_64_DTPMOD64:
			return relocDTPMod
		case elf.R_X86_64_DTPOFF64:
			return relocDTPOff
		case elf.R_X86_64_TPOFF64:
			return relocTPOff
		case elf.R_X86_64_COPY:
			return relocCopy
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(rtype) {
		case elf.R_AARCH64_NONE:
			return relocNone
		case elf.R_AARCH64_RELATIVE:
			return relocRelative
		case elf.R_AARCH64_GLOB_DAT:
			return relocGlobDat
		case elf.R_AARCH64_JUMP_SLOT:
			return relocJumpSlot
		case elf.R_AARCH64_ABS64:
			return relocAbs
		case elf.R_AARCH64_IRELATIVE:
			return relocIRelative
		case elf.R_AARCH64_TLS_DTPMOD64:
			return relocDTPMod
		case elf.R_AARCH64_TLS_DTPREL64:
			return relocDTPOff
		case elf.R_AARCH64_TLS_TPREL64:
			return relocTPOff
		case elf.R_AARCH64_COPY:
			return relocCopy
		}
	case elf.EM_RISCV:
		switch elf.R_RISCV(rtype) {
		case elf.R_RISCV_NONE:
			return relocNone
		case elf.R_RISCV_RELATIVE:
			return relocRelative
		case elf.R_RISCV_64:
			return relocAbs
		case elf.R_RISCV_JUMP_SLOT:
			return relocJumpSlot
		case elf.R_RISCV_TLS_DTPMOD64:
			return relocDTPMod
		case elf.R_RISCV_TLS_DTPREL64:
			return relocDTPOff
		case elf.R_RISCV_TLS_TPREL64:
			return relocTPOff
		case elf.R_RISCV_COPY:
			return relocCopy
		}
	}
	return relocUnknown
}
