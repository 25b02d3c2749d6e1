package vmm

import (
	"kepler/kernel"
	"kepler/kernel/mm"
)

var (
	errVMAOverlap    = &kernel.Error{Module: "vmm", Message: "requested region overlaps an existing mapping"}
	errVMANotFound   = &kernel.Error{Module: "vmm", Message: "no exact vma matches the requested unmap region"}
	errVMAOutOfSpace = &kernel.Error{Module: "vmm", Message: "address space has no room left for the requested mapping"}
)

// vmaFlag records how a vmArea's pages should be mapped and, on fork,
// whether the parent and child should share the underlying frames or
// diverge via copy-on-write.
type vmaFlag uint8

const (
	// vmaWritable mirrors FlagRW for the pages covered by this vma.
	vmaWritable vmaFlag = 1 << iota

	// vmaShared marks a vma whose frames are not privatised on fork; both
	// parent and child keep writing through to the same frames.
	vmaShared
)

// vmArea describes one contiguous run of a task's virtual address space:
// anonymous memory backing a heap extension, a stack, or an mmap request.
// Address spaces track these as a start-address-ordered singly linked list,
// mirroring the way the rest of this package favours flat, walkable
// structures over balanced trees.
type vmArea struct {
	start, end uintptr // [start, end), both page-aligned
	flags      vmaFlag
	next       *vmArea
}

func (v *vmArea) pageCount() uintptr { return (v.end - v.start) >> mm.PageShift }

// AddrSpace is a task's virtual address space: a page directory table plus
// the list of vmAreas describing which parts of it are backed by memory.
// The zero value is not usable; build one with NewAddrSpace.
type AddrSpace struct {
	pdt   PageDirectoryTable
	areas *vmArea

	// mmapBase is the next address handed out by a size-only Mmap request,
	// growing upward from a fixed offset above the kernel's own reserved
	// region so that task and kernel mappings never collide.
	mmapBase uintptr
}

// NewAddrSpace allocates a fresh page directory frame, initializes it (which
// installs the recursive self-mapping described in pdt.go) and returns an
// otherwise-empty address space starting its mmap allocations at base.
func NewAddrSpace(base uintptr) (*AddrSpace, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := &AddrSpace{mmapBase: base}
	if err := as.pdt.Init(frame); err != nil {
		return nil, err
	}
	if err := as.pdt.CopyKernelMappings(kernelPageOffsetAddr); err != nil {
		return nil, err
	}

	return as, nil
}

// commitPages allocates a fresh, zeroed frame for every page in
// [start, end) and maps it into this address space's page directory with
// the given flags. Used by MmapCommitted's eager backing and by Mmap's
// shared+writable case, where deferring backing frames through the CoW
// zero-frame trick would let the two ends of what looks like one shared
// mapping privately diverge on their first write.
func (as *AddrSpace) commitPages(start, end uintptr, flags PageTableEntryFlag) *kernel.Error {
	for page := mm.PageFromAddress(start); page < mm.PageFromAddress(end); page++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		tmpPage, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}
		kernel.Memset(tmpPage.Address(), 0, mm.PageSize)
		_ = unmapFn(tmpPage)

		if err := as.pdt.Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// Activate installs this address space's page directory as the CPU's active
// one, switching every subsequent memory access to this task's mappings.
func (as *AddrSpace) Activate() { as.pdt.Activate() }

// insertArea splices a new vmArea into the address-space's list, which is
// kept sorted by start address so overlap checks only need to look at the
// immediate neighbours.
func (as *AddrSpace) insertArea(v *vmArea) {
	if as.areas == nil || v.start < as.areas.start {
		v.next = as.areas
		as.areas = v
		return
	}
	cur := as.areas
	for cur.next != nil && cur.next.start < v.start {
		cur = cur.next
	}
	v.next = cur.next
	cur.next = v
}

// overlaps reports whether [start, end) intersects any existing vma.
func (as *AddrSpace) overlaps(start, end uintptr) bool {
	for cur := as.areas; cur != nil; cur = cur.next {
		if start < cur.end && end > cur.start {
			return true
		}
	}
	return false
}

// Mmap reserves and maps a new anonymous region of the given size (rounded
// up to a page boundary). When addrHint is non-zero the region is placed
// there if it does not overlap an existing vma; otherwise the region is
// carved out of the address space's growth area starting at mmapBase.
// Mirrors an anonymous, fixed-or-hint mmap(2) call.
func (as *AddrSpace) Mmap(addrHint, size uintptr, writable, shared bool) (uintptr, *kernel.Error) {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if size == 0 {
		return 0, errVMAOutOfSpace
	}

	start := addrHint
	if start == 0 {
		start = as.mmapBase
	}
	start &^= mm.PageSize - 1
	end := start + size

	if as.overlaps(start, end) {
		return 0, errVMAOverlap
	}

	baseFlags := PageTableEntryFlag(FlagPresent | FlagUserAccessible)
	var vflags vmaFlag
	if writable {
		vflags |= vmaWritable
	}
	if shared {
		vflags |= vmaShared
	}

	if shared && writable {
		// A shared, writable mapping must not defer backing through the
		// CoW zero frame: two tasks writing through what looks like one
		// mapping would each fault into their own private copy instead of
		// observing each other's writes, defeating the point of a shared
		// mapping. Commit real frames up front instead.
		if err := as.commitPages(start, end, baseFlags|FlagRW); err != nil {
			return 0, err
		}
	} else {
		pageFlags := baseFlags
		if writable {
			pageFlags = cowMapFlags(baseFlags | FlagRW)
		}
		for page := mm.PageFromAddress(start); page < mm.PageFromAddress(end); page++ {
			if err := as.pdt.Map(page, ReservedZeroedFrame, pageFlags); err != nil {
				return 0, err
			}
		}
	}

	as.insertArea(&vmArea{start: start, end: end, flags: vflags})

	if addrHint == 0 && end > as.mmapBase {
		as.mmapBase = end
	}

	return start, nil
}

// MmapCommitted reserves a region exactly like Mmap but backs every page
// with a freshly allocated, zeroed frame immediately rather than deferring
// to the CoW zero-frame trick. exec uses it to load ELF segments and build
// the initial stack, where content must be written into the pages before
// the task ever runs.
func (as *AddrSpace) MmapCommitted(addrHint, size uintptr, writable bool) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errVMAOutOfSpace
	}

	start := addrHint
	if start == 0 {
		start = as.mmapBase
	}

	// Round the mapped range outward to whole pages rather than rounding
	// addrHint itself down: a caller's address (an ELF32 PT_LOAD segment's
	// p_vaddr, in particular) need only be congruent to its file offset mod
	// the page size, not page-aligned itself, so the returned start must
	// still leave every byte of [addrHint, addrHint+size) reachable within
	// the mapping even though frames are only ever granted a whole page at
	// a time.
	pageStart := start &^ (mm.PageSize - 1)
	end := (start + size + mm.PageSize - 1) &^ (mm.PageSize - 1)

	if as.overlaps(pageStart, end) {
		return 0, errVMAOverlap
	}

	flags := PageTableEntryFlag(FlagPresent | FlagUserAccessible)
	vflags := vmaFlag(0)
	if writable {
		flags |= FlagRW
		vflags |= vmaWritable
	}

	if err := as.commitPages(pageStart, end, flags); err != nil {
		return 0, err
	}

	as.insertArea(&vmArea{start: pageStart, end: end, flags: vflags})

	if addrHint == 0 && end > as.mmapBase {
		as.mmapBase = end
	}

	return pageStart, nil
}

// Munmap releases the vma that starts and ends exactly at [addr, addr+size).
// Partial unmaps of a larger vma are not supported; the caller must have
// mapped the region as a single Mmap call of the same extent.
func (as *AddrSpace) Munmap(addr, size uintptr) *kernel.Error {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	end := addr + size

	var prev *vmArea
	cur := as.areas
	for cur != nil && !(cur.start == addr && cur.end == end) {
		prev = cur
		cur = cur.next
	}
	if cur == nil {
		return errVMANotFound
	}

	for page := mm.PageFromAddress(cur.start); page < mm.PageFromAddress(cur.end); page++ {
		_ = as.pdt.Unmap(page)
	}

	if prev == nil {
		as.areas = cur.next
	} else {
		prev.next = cur.next
	}

	return nil
}

// AreaForAddress returns the vma covering addr, or nil if the address is
// unmapped from this task's point of view.
func (as *AddrSpace) AreaForAddress(addr uintptr) *vmArea {
	for cur := as.areas; cur != nil; cur = cur.next {
		if addr >= cur.start && addr < cur.end {
			return cur
		}
	}
	return nil
}

// Clone builds a child address space for fork(2). Writable, private vmas are
// duplicated with copy-on-write semantics on both sides so the copy happens
// lazily, one page at a time, the first time either task writes to it.
// Shared vmas keep pointing at the same frames in both address spaces.
func (as *AddrSpace) Clone(base uintptr) (*AddrSpace, *kernel.Error) {
	child, err := NewAddrSpace(base)
	if err != nil {
		return nil, err
	}

	for cur := as.areas; cur != nil; cur = cur.next {
		for page := mm.PageFromAddress(cur.start); page < mm.PageFromAddress(cur.end); page++ {
			pte, err := pteForAddressFn(page.Address())
			if err != nil {
				continue // unbacked hole inside an otherwise-mapped vma
			}
			frame := pte.Frame()

			childFlags := FlagPresent | FlagUserAccessible
			if cur.flags&vmaShared != 0 {
				if cur.flags&vmaWritable != 0 {
					childFlags |= FlagRW
				}
			} else if cur.flags&vmaWritable != 0 {
				// Downgrade both parent and child mappings to read-only
				// plus CoW; the next write on either side triggers the
				// page-fault handler's copy-and-reprotect path.
				pte.ClearFlags(FlagRW)
				pte.SetFlags(FlagCopyOnWrite)
				flushTLBEntryFn(page.Address())
				childFlags |= FlagCopyOnWrite
			}

			if err := child.pdt.Map(page, frame, childFlags); err != nil {
				return nil, err
			}
		}

		child.insertArea(&vmArea{start: cur.start, end: cur.end, flags: cur.flags})
	}

	if as.mmapBase > child.mmapBase {
		child.mmapBase = as.mmapBase
	}

	return child, nil
}

// Destroy unmaps and releases every vma in this address space. It is called
// when a task exits and its address space has no other references left.
func (as *AddrSpace) Destroy() {
	for cur := as.areas; cur != nil; {
		next := cur.next
		for page := mm.PageFromAddress(cur.start); page < mm.PageFromAddress(cur.end); page++ {
			_ = as.pdt.Unmap(page)
		}
		cur = next
	}
	as.areas = nil
}
