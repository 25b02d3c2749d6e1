package proc

import (
	"encoding/binary"
	"reflect"
	"unsafe"

	"kepler/kernel"
	"kepler/kernel/mm/vmm"
)

// The stdlib debug/elf package is not used here: it pulls in os.File-shaped
// APIs and a general-purpose section/symbol model built for host tooling,
// none of which this freestanding loader needs or can link against. Only
// the handful of ELF32 constants and the program-header table actually
// consumed by exec are reproduced below, following the standard x86 32-bit
// System V ABI layout.

const elfMagic = "\x7fELF"

const (
	elfClass32   = 1
	elfData2LSB  = 1
	etExec       = 2
	emI386       = 3
	ptLoad       = 1
)

type elfHeader struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	PhOff     uint32
	ShOff     uint32
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

const elfHeaderSize = 52

type programHeader struct {
	Type   uint32
	Offset uint32
	VAddr  uint32
	PAddr  uint32
	FileSz uint32
	MemSz  uint32
	Flags  uint32
	Align  uint32
}

const programHeaderSize = 32

const (
	pfExec  = 1
	pfWrite = 2
)

var (
	errNotELF        = &kernel.Error{Module: "proc", Message: "not a recognizable ELF32 i386 executable"}
	errELFNotExec    = &kernel.Error{Module: "proc", Message: "ELF file is not of type EXEC"}
	errELFBadSegment = &kernel.Error{Module: "proc", Message: "ELF program header describes an invalid segment"}
)

func parseELFHeader(data []byte) (elfHeader, *kernel.Error) {
	var h elfHeader
	if len(data) < elfHeaderSize || string(data[:4]) != elfMagic {
		return h, errNotELF
	}
	if data[4] != elfClass32 || data[5] != elfData2LSB {
		return h, errNotELF
	}
	copy(h.Ident[:], data[:16])
	h.Type = binary.LittleEndian.Uint16(data[16:18])
	h.Machine = binary.LittleEndian.Uint16(data[18:20])
	h.Version = binary.LittleEndian.Uint32(data[20:24])
	h.Entry = binary.LittleEndian.Uint32(data[24:28])
	h.PhOff = binary.LittleEndian.Uint32(data[28:32])
	h.ShOff = binary.LittleEndian.Uint32(data[32:36])
	h.Flags = binary.LittleEndian.Uint32(data[36:40])
	h.EhSize = binary.LittleEndian.Uint16(data[40:42])
	h.PhEntSize = binary.LittleEndian.Uint16(data[42:44])
	h.PhNum = binary.LittleEndian.Uint16(data[44:46])
	h.ShEntSize = binary.LittleEndian.Uint16(data[46:48])
	h.ShNum = binary.LittleEndian.Uint16(data[48:50])
	h.ShStrNdx = binary.LittleEndian.Uint16(data[50:52])

	if h.Type != etExec || h.Machine != emI386 {
		return h, errELFNotExec
	}
	return h, nil
}

func parseProgramHeader(data []byte, off uint32) (programHeader, *kernel.Error) {
	var ph programHeader
	if int(off)+programHeaderSize > len(data) {
		return ph, errELFBadSegment
	}
	d := data[off:]
	ph.Type = binary.LittleEndian.Uint32(d[0:4])
	ph.Offset = binary.LittleEndian.Uint32(d[4:8])
	ph.VAddr = binary.LittleEndian.Uint32(d[8:12])
	ph.PAddr = binary.LittleEndian.Uint32(d[12:16])
	ph.FileSz = binary.LittleEndian.Uint32(d[16:20])
	ph.MemSz = binary.LittleEndian.Uint32(d[20:24])
	ph.Flags = binary.LittleEndian.Uint32(d[24:28])
	ph.Align = binary.LittleEndian.Uint32(d[28:32])
	return ph, nil
}

// isELF reports whether data begins with the ELF32 i386 EXEC magic, without
// fully validating the rest of the header. Used by exec to distinguish an
// ELF binary from a shebang script.
func isELF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == elfMagic
}

// loadELFSegments parses image as an ELF32 EXEC binary and maps each
// PT_LOAD segment into as at its specified virtual address, copying file
// contents and zero-filling the remainder up to MemSz (the .bss tail).
// Returns the entry point.
func loadELFSegments(as *vmm.AddrSpace, image []byte) (entry uintptr, err *kernel.Error) {
	hdr, err := parseELFHeader(image)
	if err != nil {
		return 0, err
	}

	for i := uint16(0); i < hdr.PhNum; i++ {
		ph, err := parseProgramHeader(image, hdr.PhOff+uint32(i)*uint32(hdr.PhEntSize))
		if err != nil {
			return 0, err
		}
		if ph.Type != ptLoad || ph.MemSz == 0 {
			continue
		}
		if int(ph.Offset+ph.FileSz) > len(image) {
			return 0, errELFBadSegment
		}

		writable := ph.Flags&pfWrite != 0
		if _, err := as.MmapCommitted(uintptr(ph.VAddr), uintptr(ph.MemSz), writable); err != nil {
			return 0, err
		}

		// Write at the segment's exact p_vaddr, not MmapCommitted's
		// page-aligned return value: p_vaddr need only be congruent to
		// p_offset mod the page size, not itself page-aligned, and the
		// mapping above already covers every byte of [VAddr, VAddr+MemSz)
		// even when VAddr sits partway into its first page.
		if ph.FileSz > 0 {
			pokeBytesFn(uintptr(ph.VAddr), image[ph.Offset:ph.Offset+ph.FileSz])
		}
	}

	return uintptr(hdr.Entry), nil
}

// pokeBytesFn copies src into the mapped virtual memory starting at
// virtAddr. It requires virtAddr to already be present in the currently
// active address space (exec activates the new mm before loading segments)
// and overlays a Go slice header on top of the raw memory the same way the
// buddy allocator overlays its zone/descriptor arrays onto reserved pages.
// Tests, which run as an ordinary process with no such mapping, override
// this to copy into a backing buffer instead.
var pokeBytesFn = func(virtAddr uintptr, src []byte) {
	var dst []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&dst))
	hdr.Data = virtAddr
	hdr.Len = len(src)
	hdr.Cap = len(src)
	copy(dst, src)
}
