package vmm

import (
	"kepler/kernel"
	"kepler/kernel/irq"
	"kepler/kernel/kfmt"
	"kepler/kernel/mm"
)

var (
	// handleExceptionWithCodeFn is used by tests.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode

	// deliverSegFaultFn is invoked for page and general-protection faults
	// that occur while executing user-mode code and are not resolvable by
	// the CoW path above. It is expected to queue a SIGSEGV for the
	// faulting task and arrange for the scheduler to pick a new task
	// instead of returning to the faulting instruction. The default
	// implementation always reports that it could not recover, causing
	// the caller to fall back to a kernel panic; kernel/sched replaces it
	// through RegisterSegFaultHandler during its Init.
	deliverSegFaultFn = func(uintptr, *irq.Frame, *irq.Regs) bool { return false }
)

// RegisterSegFaultHandler wires fn as the target for user-mode faults that
// the CoW path above cannot resolve. Called once by kernel/sched during its
// Init, since sched owns the current-task pointer and the signal-delivery
// primitives this package cannot import directly without creating an
// import cycle (sched already imports proc, which imports this package).
func RegisterSegFaultHandler(fn func(faultAddress uintptr, frame *irq.Frame, regs *irq.Regs) bool) {
	deliverSegFaultFn = fn
}

// installFaultHandlers wires up the exception handlers that this package
// needs to service in order to support CoW and to report unrecoverable
// memory access violations.
func installFaultHandlers() {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    mm.Frame
			tmpPage mm.Page
			err     *kernel.Error
		)

		if copy, err = mm.AllocFrame(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
			_ = unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	// A fault with the user-mode bit (bit 2) set occurred while running
	// task code rather than kernel code. Such faults are not kernel bugs;
	// they get turned into a SIGSEGV for the offending task instead of
	// taking down the whole system.
	const userModeBit = 1 << 2
	if errorCode&userModeBit != 0 && deliverSegFaultFn(faultAddress, frame, regs) {
		return
	}

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	// A GPF raised from ring 3 (user code segment selector has RPL == 3)
	// is treated the same way as a user-mode page fault: the task gets a
	// SIGSEGV instead of bringing down the kernel.
	const userModeRPL = 3
	if frame.CS&userModeRPL == userModeRPL && deliverSegFaultFn(uintptr(readCR2Fn()), frame, regs) {
		return
	}

	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}
