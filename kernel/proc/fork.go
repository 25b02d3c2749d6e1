package proc

import (
	"kepler/kernel"
)

// Fork creates a child of parent by CoW-cloning its address space and
// duplicating its file descriptors and credentials. The parent's trap-frame
// registers, already snapshotted by the scheduler into parent.savedRegs
// before entering this syscall, are copied verbatim into the child; the
// child's return-value register (EAX, the SysV syscall return slot) is then
// forced to zero so that fork() appears to return 0 in the child and the
// child's pid in the parent.
func Fork(parent *Task, mmapBase uintptr) (child *Task, err *kernel.Error) {
	child, err = newTask(parent, parent)
	if err != nil {
		return nil, err
	}

	child.savedRegs = parent.savedRegs
	child.savedFrame = parent.savedFrame
	child.savedRegs.EAX = 0

	child.Sched = parent.Sched
	child.Sched.SumExecRuntime = 0
	child.Sched.VRuntime = parent.Sched.VRuntime
	child.Sched.IsPeriodic = false // periodic admission is not inherited; the child must ask again

	child.AddrSpace, err = parent.AddrSpace.Clone(mmapBase)
	if err != nil {
		arena[child.PID] = nil
		for i, pid := range parent.Children {
			if pid == child.PID {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		return nil, err
	}

	enqueueRunnableFn(child)

	return child, nil
}
