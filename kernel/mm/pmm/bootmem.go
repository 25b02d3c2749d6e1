package pmm

import (
	"kepler/kernel"
	"kepler/kernel/kfmt"
	"kepler/kernel/mm"
	"kepler/multiboot"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "pmm", Message: "boot allocator out of memory"}
)

// BootMemAllocator implements a rudimentary physical memory allocator that is
// used to bootstrap the kernel before the buddy allocator's zone metadata
// (which itself needs a handful of frames) has been set up.
//
// The allocator implementation uses the memory region information provided
// by the bootloader to detect free memory blocks and return the next
// available free frame. Allocations are tracked via an internal counter that
// contains the last allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the buddy allocator is initialized, the allocated
// blocks will be handed over to it.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame

	// fbStartFrame/fbEndFrame exclude the physical frames backing the
	// boot-time framebuffer, if the bootloader reported one. Zero when no
	// framebuffer was reserved.
	fbStartFrame, fbEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := mm.PageSize - 1
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart &^ pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1)&^pageSizeMinus1)>>mm.PageShift) - 1
}

// reserveFramebuffer excludes the physical frames backing the boot-time
// framebuffer reported by the bootloader from allocation. The VGA console
// driver (device/video/console) identity-maps this region directly by
// physical frame once it probes the hardware, bypassing AllocFrame
// entirely; without this exclusion the boot allocator could hand the same
// frames to a task's heap before the console driver claims them, and the
// two would end up sharing writable access to the same physical page.
func (alloc *BootMemAllocator) reserveFramebuffer(fb *multiboot.FramebufferInfo) {
	if fb == nil || fb.PhysAddr == 0 {
		return
	}

	var size uint64
	if fb.Type == multiboot.FramebufferTypeEGA {
		size = uint64(fb.Width) * uint64(fb.Height) * 2
	} else {
		size = uint64(fb.Pitch) * uint64(fb.Height)
	}
	if size == 0 {
		return
	}

	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	start := uintptr(fb.PhysAddr)
	end := start + uintptr(size)
	alloc.fbStartFrame = mm.Frame((start &^ pageSizeMinus1) >> mm.PageShift)
	alloc.fbEndFrame = mm.Frame(((end+pageSizeMinus1)&^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1

		if alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		if (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		} else if alloc.lastAllocFrame < regionStartFrame || alloc.allocCount == 0 {
			alloc.lastAllocFrame = regionStartFrame
		} else {
			alloc.lastAllocFrame++
		}

		if alloc.fbEndFrame != 0 && alloc.lastAllocFrame >= alloc.fbStartFrame && alloc.lastAllocFrame <= alloc.fbEndFrame {
			alloc.lastAllocFrame = alloc.fbEndFrame + 1
		}

		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[pmm] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
