package vmm

const (
	// pageLevels indicates the number of page table levels supported by
	// the 386 architecture when running without PAE: a single page
	// directory whose entries either point to 4K page tables or (when
	// FlagHugePage is set) directly map a 4MB page.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this
	// architecture, bits 12-31 contain the physical memory address.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive PDT
	// pages). This address uses page directory index 1022 and page table
	// index 1023, one slot away from the recursively mapped PDT so it
	// never aliases the range used to reach the PDT itself.
	tempMappingAddr = uintptr(0xffbff000)
)

var (
	// pdtVirtualAddr is a special virtual address that exploits the
	// recursive mapping installed in the last page directory entry to
	// allow accessing the page directory using the MMU's own address
	// translation logic. By setting both the directory and table index
	// bits to 1023 the MMU resolves the address to the page directory's
	// own physical frame.
	pdtVirtualAddr = uintptr(0xfffff000)

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. The 386 architecture uses 10 bits
	// per level (1024 entries per table).
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4MB pages instead of 4K pages. This
	// bit is only meaningful in a page directory entry and requires
	// CR4.PSE to be enabled.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive. Bits 9-11 of a page table
	// entry are ignored by the MMU and are free for the kernel to use.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute has no effect on the 386 architecture: without PAE,
	// page table entries are 32 bits wide and have no execute-disable
	// bit. The flag is kept so that callers written against this package
	// do not need architecture-specific branches; setting or clearing it
	// is a no-op.
	FlagNoExecute = 0
)
