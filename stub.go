package main

import "kepler/kernel/kmain"

// These are populated by the architecture's rt0 assembly stub before it
// jumps into main; they are not part of this Go module. multibootInfoPtr
// is the physical address of the multiboot info structure, kernelStart and
// kernelEnd bound the loaded kernel image, and kernelPageOffset is the
// virtual base the kernel's higher-half sections are linked at.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	kernelPageOffset uintptr
)

// main is a trampoline into the real kernel entrypoint. It is kept
// intentionally trivial so the compiler cannot inline kmain.Kmain away and
// drop the rest of the kernel from the generated object file: the rt0 stub
// jumps to this symbol directly, never returning.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd, kernelPageOffset)
}
