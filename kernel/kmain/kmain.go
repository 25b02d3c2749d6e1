// Package kmain wires together the kernel's boot sequence: hardware
// detection, the physical/virtual memory managers, the Go runtime shim, the
// scheduler and the init task, in the dependency order the rest of the
// kernel assumes (frame allocator, then paging, then VMAs, then the process
// manager, then the scheduler).
package kmain

import (
	"kepler/kernel"
	"kepler/kernel/goruntime"
	"kepler/kernel/hal"
	"kepler/kernel/kfmt"
	"kepler/kernel/mm/pmm"
	"kepler/kernel/mm/vmm"
	"kepler/kernel/proc"
	"kepler/kernel/sched"
	"kepler/multiboot"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// initUserBase is where the init task's mmap growth area begins; low enough
// to leave room for the ELF image loaded at 0x08048000 by exec.
const initUserBase = 0x40000000

// Kmain is the only Go symbol visible to the rt0 assembly stub. It is
// invoked after the stub sets up the GDT and a minimal g0 so Go code can run
// on the 4K bootstrap stack.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPageOffset uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.DetectHardware()
	kfmt.Printf("kepler: booting\n")

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err = vmm.Init(kernelPageOffset); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	sched.Init()

	initTask, err := proc.SpawnInit(initUserBase)
	if err != nil {
		kfmt.Panic(err)
	}

	if cmdline := multiboot.GetBootCmdLine(); cmdline["init"] != "" {
		if err := proc.Exec(initTask, cmdline["init"], []string{cmdline["init"]}, nil); err != nil {
			kfmt.Panic(err)
		}
	}

	kfmt.Panic(errKmainReturned)
}
