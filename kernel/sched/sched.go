// Package sched implements the run queue and task picker: a vruntime/EDF
// hybrid driven from the timer ISR and from voluntary yields.
package sched

import (
	"kepler/kernel"
	"kepler/kernel/irq"
	"kepler/kernel/mm/vmm"
	"kepler/kernel/proc"
	"kepler/kernel/signal"
)

var (
	errNoRunnableTask = &kernel.Error{Module: "sched", Message: "no runnable task"}
	errNoSuchTask     = &kernel.Error{Module: "sched", Message: "no task with the given pid"}
)

// node links a task into the run queue's doubly-linked list.
type node struct {
	task       *proc.Task
	prev, next *node
}

var (
	head, tail *node
	byPID      = map[int32]*node{}

	current *proc.Task

	// utilizationNumerator/utilizationDenominator hold the sum of
	// WCET/period across admitted periodic tasks as an integer fraction
	// whose denominator is the period of the most recently admitted task;
	// the numerator must never exceed the denominator (i.e. a utilization
	// of 1).
	utilizationNumerator, utilizationDenominator int64
)

// Init wires the scheduler into the process manager's run-queue hooks. Call
// once during boot before spawning the init task.
func Init() {
	proc.RegisterScheduler(enqueue, dequeue)
	proc.RegisterWaitWaker(Wake)
	vmm.RegisterSegFaultHandler(handleSegFault)
}

// handleSegFault enqueues SIGSEGV on the task that was running when an
// unresolvable page fault or general-protection fault trapped, then
// immediately switches away from it: a user-mode fault is never resumed at
// the faulting instruction, so this is a reschedule point rather than a
// normal signal-delivery one.
func handleSegFault(_ uintptr, frame *irq.Frame, regs *irq.Regs) bool {
	t := current
	if t == nil {
		return false
	}
	t.Signals.Enqueue(signal.SIGSEGV)

	next, err := Tick(t)
	if err != nil {
		return false
	}
	RestoreContext(next, regs, frame)
	return true
}

// Kill appends sig to the pending queue of the task identified by pid and,
// if that task is currently in an interruptible sleep or stopped, wakes it
// so the new signal gets a chance to run. It is the glue behind sys_kill:
// pid lookup, enqueueing and waking each already exist as separate
// primitives (proc.Lookup, signal.State.Enqueue, Wake) but nothing else in
// the tree combines them into one callable, pid-addressable operation.
func Kill(pid int32, sig signal.Num) *kernel.Error {
	t := proc.Lookup(pid)
	if t == nil {
		return errNoSuchTask
	}
	t.Signals.Enqueue(sig)
	Wake(t)
	return nil
}

func enqueue(t *proc.Task) {
	if _, ok := byPID[t.PID]; ok {
		return
	}
	n := &node{task: t}
	if tail == nil {
		head, tail = n, n
	} else {
		n.prev = tail
		tail.next = n
		tail = n
	}
	byPID[t.PID] = n
}

func dequeue(t *proc.Task) {
	n, ok := byPID[t.PID]
	if !ok {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		tail = n.prev
	}
	delete(byPID, t.PID)

	if t.Sched.IsPeriodic && t.Sched.Period > 0 {
		utilizationNumerator -= t.Sched.WCET
		utilizationDenominator = t.Sched.Period
	}
}

// AdmitPeriodic checks whether adding a periodic task with the given WCET
// and period keeps the total EDF utilization at or below 1, admitting it
// into the run queue only if so.
func AdmitPeriodic(t *proc.Task, wcet, period int64) bool {
	// Compare (sumWCET+wcet)/lcm-ish denominator using cross multiplication
	// against the common period to avoid floating point: this kernel keeps
	// a running numerator scaled to the newest task's period, which is
	// exact as long as periods share a common structure; tasks are
	// expected to register with periods that are simple multiples of a
	// base tick, matching the periodic workloads this kernel targets.
	if period <= 0 || wcet <= 0 || wcet > period {
		return false
	}

	newNumerator := utilizationNumerator*period/max64(utilizationDenominator, 1) + wcet
	if utilizationDenominator == 0 {
		newNumerator = wcet
	}
	if newNumerator > period {
		return false
	}

	t.Sched.IsPeriodic = true
	t.Sched.WCET = wcet
	t.Sched.Period = period
	utilizationNumerator = newNumerator
	utilizationDenominator = period

	enqueue(t)
	return true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// pick selects the next task to run: periodic tasks compete on earliest
// deadline, non-periodic ones on smallest vruntime, ties broken by earlier
// arrival time then lower pid.
func pick() *proc.Task {
	var best *node
	for n := head; n != nil; n = n.next {
		if n.task.State != proc.Running {
			continue
		}
		if best == nil {
			best = n
			continue
		}
		if less(n.task, best.task) {
			best = n
		}
	}
	if best == nil {
		return nil
	}
	return best.task
}

func less(a, b *proc.Task) bool {
	if a.Sched.IsPeriodic != b.Sched.IsPeriodic {
		return a.Sched.IsPeriodic // periodic tasks preempt non-periodic ones
	}
	if a.Sched.IsPeriodic {
		if a.Sched.Deadline != b.Sched.Deadline {
			return a.Sched.Deadline < b.Sched.Deadline
		}
	} else if a.Sched.VRuntime != b.Sched.VRuntime {
		return a.Sched.VRuntime < b.Sched.VRuntime
	}
	if a.Sched.ArrivalTime != b.Sched.ArrivalTime {
		return a.Sched.ArrivalTime < b.Sched.ArrivalTime
	}
	return a.PID < b.PID
}

// StoreContext snapshots a trap frame into the outgoing task's PCB. It is
// the first half of a context switch, called on entry to the scheduler from
// a timer IRQ or a voluntary yield.
func StoreContext(t *proc.Task, regs *irq.Regs, frame *irq.Frame) {
	t.SaveTrapFrame(regs, frame)
}

// RestoreContext installs the incoming task's saved trap frame, reloading
// CR3 first if its address space differs from the previously active one.
// Pending unmasked signals are delivered here, just before the IRET back to
// user mode, per the return-to-user delivery point.
func RestoreContext(t *proc.Task, regs *irq.Regs, frame *irq.Frame) {
	if current == nil || current.AddrSpace != t.AddrSpace {
		t.AddrSpace.Activate()
	}
	current = t

	t.RestoreTrapFrame(regs, frame)

	if t.Signals.HasPendingUnblocked() {
		userStackTop := uintptr(frame.ESP)
		outcome, _ := t.Signals.Deliver(regs, frame, userStackTop)
		switch outcome {
		case signal.OutcomeStopped:
			t.State = proc.Stopped
			dequeue(t)
		case signal.OutcomeContinued:
			t.State = proc.Running
		case signal.OutcomeTerminated:
			proc.SysExit(t, -1)
		}
	}
}

// Current returns the task the scheduler most recently restored context
// for.
func Current() *proc.Task { return current }

// Tick advances the outgoing task's accounting by one scheduler tick and
// returns the next task to dispatch, or errNoRunnableTask if the run queue
// is empty; an empty run queue is a fatal invariant violation for a kernel
// that always has at least an idle task enqueued.
func Tick(outgoing *proc.Task) (*proc.Task, *kernel.Error) {
	if outgoing != nil {
		outgoing.Sched.SumExecRuntime++
		if !outgoing.Sched.IsPeriodic {
			outgoing.Sched.VRuntime += weight(outgoing.Sched.Priority)
		}
	}

	next := pick()
	if next == nil {
		return nil, errNoRunnableTask
	}
	return next, nil
}

// weight converts a task priority into the vruntime increment charged per
// tick; higher priority (lower Priority value) accrues vruntime slower so
// it gets picked more often, matching the CFS-style "nice" weighting this
// scheduler borrows its vruntime idea from.
func weight(priority int32) int64 {
	w := int64(20 - priority)
	if w < 1 {
		w = 1
	}
	return 1024 / w
}

// Yield voluntarily relinquishes the CPU: it enqueues the given wait-reason
// state transition and lets the next Tick() pick a different task.
func Yield(t *proc.Task, sleeping bool) {
	if sleeping {
		t.State = proc.Sleeping
		dequeue(t)
	}
}

// Wake transitions a sleeping task back to Running and reinserts it into
// the run queue; used by sys_kill when the signalled task is blocked in an
// interruptible sleep.
func Wake(t *proc.Task) {
	if t.State == proc.Sleeping || t.State == proc.Stopped {
		t.State = proc.Running
		enqueue(t)
	}
}
