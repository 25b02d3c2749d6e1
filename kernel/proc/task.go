// Package proc implements task allocation and the fork/exec/exit lifecycle
// operations that build and tear down user processes on top of the address
// spaces managed by kernel/mm/vmm.
package proc

import (
	"kepler/kernel"
	"kepler/kernel/irq"
	"kepler/kernel/mm/vmm"
	"kepler/kernel/signal"
	"kepler/kernel/sync"
)

// State is the run state of a task.
type State uint8

const (
	// Running marks a task eligible for scheduling.
	Running State = iota
	// Sleeping marks a task blocked in an interruptible wait.
	Sleeping
	// Stopped marks a task halted by SIGSTOP or job-control.
	Stopped
	// Zombie marks a task that has exited but not yet been reaped.
	Zombie
)

// maxTasks bounds the pid arena. pids are slot indices into this arena, per
// the arena-of-slots approach favoured over raw parent/child/sibling
// pointers: reaping a zombie is a pure slot-state transition.
const maxTasks = 4096

// Credentials holds the uid/gid quadruple plus session and process group,
// mirroring the fields spec'd for a task's PCB.
type Credentials struct {
	UID, GID   uint32
	RUID, RGID uint32
	SID, PGID  int32
}

// SchedEntity carries the bookkeeping the scheduler needs to pick and
// account for a task, kept inline in the task rather than in a side table
// since exactly one scheduler ever consults it.
type SchedEntity struct {
	Priority   int32
	VRuntime   int64
	ArrivalTime int64
	SumExecRuntime int64
	ExecStart  int64

	// IsPeriodic marks a real-time task admitted under EDF; the remaining
	// fields are meaningless when false.
	IsPeriodic bool
	Period     int64
	Deadline   int64
	WCET       int64
}

// FDTable is a fixed-capacity, extensible file-descriptor table. Slots hold
// shared, reference-counted vfs.File handles; nil marks a free slot.
type FDTable struct {
	files []fdEntry
}

type fdEntry struct {
	file interface {
		Close() *kernel.Error
	}
	refCount *int32
}

const initialFDCapacity = 16

func newFDTable() *FDTable {
	return &FDTable{files: make([]fdEntry, initialFDCapacity)}
}

// Install places file into the lowest free descriptor slot, growing the
// table if necessary, and returns the assigned fd.
func (t *FDTable) Install(file interface{ Close() *kernel.Error }) int {
	for i := range t.files {
		if t.files[i].file == nil {
			rc := int32(1)
			t.files[i] = fdEntry{file: file, refCount: &rc}
			return i
		}
	}
	fd := len(t.files)
	rc := int32(1)
	t.files = append(t.files, fdEntry{file: file, refCount: &rc})
	return fd
}

// Close decrements the fd's reference count, closing the underlying file
// once it reaches zero.
func (t *FDTable) Close(fd int) *kernel.Error {
	if fd < 0 || fd >= len(t.files) || t.files[fd].file == nil {
		return errBadFd
	}
	entry := t.files[fd]
	*entry.refCount--
	t.files[fd] = fdEntry{}
	if *entry.refCount == 0 {
		return entry.file.Close()
	}
	return nil
}

// clone returns a table sharing the same underlying files with bumped
// reference counts, used when a fork inherits the parent's descriptors.
func (t *FDTable) clone() *FDTable {
	out := &FDTable{files: make([]fdEntry, len(t.files))}
	for i, e := range t.files {
		out.files[i] = e
		if e.refCount != nil {
			*e.refCount++
		}
	}
	return out
}

// Task is a process control block.
type Task struct {
	PID        int32
	ParentPID  int32
	Children   []int32

	State State
	Creds Credentials

	AddrSpace *vmm.AddrSpace

	Sched SchedEntity

	Cwd string

	FDs *FDTable

	Signals signal.State

	// savedRegs/savedFrame hold the trap-frame snapshot taken on kernel
	// entry; fork copies them verbatim into the child before forcing its
	// return value to zero.
	savedRegs  irq.Regs
	savedFrame irq.Frame

	// exitStatus holds the status passed to Exit; Wait reports it to the
	// parent when it reaps this task.
	exitStatus int32
}

var (
	errBadFd     = &kernel.Error{Module: "proc", Message: "bad file descriptor"}
	errNoFreePID = &kernel.Error{Module: "proc", Message: "no free pid"}
	errNoTask    = &kernel.Error{Module: "proc", Message: "no such task"}
)

var (
	pidLock  sync.Spinlock
	arena    [maxTasks]*Task
	nextPID  int32 = 1
	initTask *Task
)

// enqueueRunnableFn and dequeueFn are set by kernel/sched during its Init so
// the process manager can push newly created or exiting tasks through the
// scheduler's run queue without proc importing sched.
var (
	enqueueRunnableFn = func(*Task) {}
	dequeueFn         = func(*Task) {}
)

// RegisterScheduler wires the process manager to the scheduler's run-queue
// operations. Called once by sched.Init during boot.
func RegisterScheduler(enqueue, dequeue func(*Task)) {
	enqueueRunnableFn = enqueue
	dequeueFn = dequeue
}

// allocPID returns the lowest free pid in 1..maxTasks-1, so a released pid
// is handed out again before any higher one.
func allocPID() (int32, *kernel.Error) {
	pidLock.Acquire()
	defer pidLock.Release()

	// pid 0 is reserved
	for candidate := int32(1); candidate < maxTasks; candidate++ {
		if arena[candidate] == nil {
			nextPID = candidate + 1
			return candidate, nil
		}
	}
	return 0, errNoFreePID
}

// Lookup returns the task with the given pid, or nil if none exists.
func Lookup(pid int32) *Task {
	if pid <= 0 || pid >= maxTasks {
		return nil
	}
	return arena[pid]
}

// Init returns the root task of the process tree.
func Init() *Task { return initTask }

// newTask allocates a pid and a blank task, optionally inheriting
// credentials, cwd and file descriptors from source. The task is linked
// into parent's children list unless parent is nil (only true for the
// init task itself).
func newTask(source, parent *Task) (*Task, *kernel.Error) {
	pid, err := allocPID()
	if err != nil {
		return nil, err
	}

	t := &Task{
		PID:   pid,
		State: Running,
		Cwd:   "/",
		FDs:   newFDTable(),
	}

	if source != nil {
		t.Creds = source.Creds
		t.Cwd = source.Cwd
		t.FDs = source.FDs.clone()
	}

	if parent != nil {
		t.ParentPID = parent.PID
		parent.Children = append(parent.Children, t.PID)
	}

	arena[pid] = t

	if pid == 1 {
		initTask = t
	}

	return t, nil
}

// SaveTrapFrame snapshots the current trap-frame registers into the task's
// PCB. Called by the scheduler when descheduling a task.
func (t *Task) SaveTrapFrame(regs *irq.Regs, frame *irq.Frame) {
	t.savedRegs = *regs
	t.savedFrame = *frame
}

// RestoreTrapFrame writes the task's saved registers back into the live
// trap frame. Called by the scheduler just before returning to user mode.
func (t *Task) RestoreTrapFrame(regs *irq.Regs, frame *irq.Frame) {
	*regs = t.savedRegs
	*frame = t.savedFrame
}

// SpawnInit creates the root task of the process tree, pid 1, with a fresh
// blank address space starting its own mmap growth area. It is called once
// during boot after the scheduler has been initialized.
func SpawnInit(base uintptr) (*Task, *kernel.Error) {
	as, err := vmm.NewAddrSpace(base)
	if err != nil {
		return nil, err
	}

	t, err := newTask(nil, nil)
	if err != nil {
		return nil, err
	}
	t.AddrSpace = as

	enqueueRunnableFn(t)
	return t, nil
}
