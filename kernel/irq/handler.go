// Package irq exposes the low-level interrupt gate registration primitives
// used to wire CPU exceptions and PIC-routed hardware interrupts to Go
// handlers. The actual IDT setup and ISR trampolines are implemented in
// architecture-specific assembly and are declared here without a body.
package irq

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DivideByZero occurs when a DIV/IDIV instruction divides by zero.
	DivideByZero = ExceptionNum(0)

	// InvalidOpcode is raised when the CPU decodes an invalid instruction.
	InvalidOpcode = ExceptionNum(6)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// IRQNum identifies a hardware interrupt line as remapped past the CPU
// exception vectors (vector 0x20 + IRQ number).
type IRQNum uint8

const (
	// TimerIRQ fires periodically once the PIT is programmed and drives
	// scheduler preemption.
	TimerIRQ = IRQNum(0)

	// KeyboardIRQ fires whenever the PS/2 controller has a scan code
	// ready to read from its data port.
	KeyboardIRQ = IRQNum(1)

	// RTCIRQ fires according to the real-time clock's periodic interrupt
	// rate once enabled through its status register.
	RTCIRQ = IRQNum(8)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(errorCode uint64, frame *Frame, regs *Regs)

// IRQHandler is a function that services a hardware interrupt. It is invoked
// with interrupts disabled and must not block; handlers that need to hand off
// work to a task should enqueue it and let the scheduler drain it on the next
// return-to-user transition.
type IRQHandler func(*Frame, *Regs)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler)

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode)

// HandleIRQ registers a handler for the given hardware interrupt line and
// unmasks it on the PIC.
func HandleIRQ(irqNum IRQNum, handler IRQHandler)

// EndOfInterrupt signals the PIC (and, for IRQs >= 8, the slave PIC) that
// the currently serviced interrupt has completed so further interrupts on
// that line can be delivered.
func EndOfInterrupt(irqNum IRQNum)
