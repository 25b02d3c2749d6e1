package proc

// SysExit is the voluntary self-termination entry point: a task calls it
// (via what would be the exit() syscall) to end itself with a chosen status
// code, e.g. the code its own main() returned. It removes the task from the
// run queue before tearing down its state so the scheduler can never pick a
// zombie back up.
func SysExit(t *Task, status int32) {
	dequeueFn(t)
	Exit(t, status)
}

// Exit releases t's address space, closes its file descriptors, reparents
// its children to the init task, transitions it to Zombie and wakes a
// parent blocked in wait().
func Exit(t *Task, status int32) {
	if t.AddrSpace != nil {
		t.AddrSpace.Destroy()
		t.AddrSpace = nil
	}

	for fd := range t.FDs.files {
		if t.FDs.files[fd].file != nil {
			_ = t.FDs.Close(fd)
		}
	}

	for _, childPID := range t.Children {
		if child := Lookup(childPID); child != nil {
			child.ParentPID = initTask.PID
			initTask.Children = append(initTask.Children, childPID)
		}
	}
	t.Children = nil

	t.exitStatus = status
	t.State = Zombie

	if parent := Lookup(t.ParentPID); parent != nil {
		wakeParentFn(parent)
	}
}

// wakeParentFn is set by kernel/sched so Exit can wake a parent blocked in
// wait() without proc importing sched.
var wakeParentFn = func(*Task) {}

// RegisterWaitWaker wires the scheduler's wake primitive for parents
// blocked in wait(). Called once by sched.Init alongside RegisterScheduler.
func RegisterWaitWaker(wake func(*Task)) { wakeParentFn = wake }

// Wait reaps a zombie child of parent, returning its pid and exit status.
// found is false if parent has no zombie children yet.
func Wait(parent *Task) (pid int32, status int32, found bool) {
	for i, childPID := range parent.Children {
		child := Lookup(childPID)
		if child == nil {
			continue
		}
		if child.State == Zombie {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			arena[childPID] = nil
			return childPID, child.exitStatus, true
		}
	}
	return 0, 0, false
}
