package sched

import (
	"kepler/kernel/proc"
	"kepler/kernel/signal"
	"testing"
)

func resetRunQueue() {
	head, tail = nil, nil
	byPID = map[int32]*node{}
	current = nil
	utilizationNumerator, utilizationDenominator = 0, 0
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	a := &proc.Task{PID: 1}
	b := &proc.Task{PID: 2}
	enqueue(a)
	enqueue(b)

	if len(byPID) != 2 {
		t.Fatalf("expected 2 queued tasks; got %d", len(byPID))
	}

	dequeue(a)
	if _, ok := byPID[a.PID]; ok {
		t.Fatal("expected task 1 to be removed from the run queue")
	}
	if head != tail || head.task.PID != 2 {
		t.Fatalf("expected task 2 to be the sole remaining entry; head=%v tail=%v", head, tail)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	a := &proc.Task{PID: 1}
	enqueue(a)
	enqueue(a)
	if len(byPID) != 1 {
		t.Fatalf("expected re-enqueueing the same task to be a no-op; got %d entries", len(byPID))
	}
}

func TestLessPeriodicPreemptsNonPeriodic(t *testing.T) {
	periodic := &proc.Task{PID: 1}
	periodic.Sched.IsPeriodic = true
	nonPeriodic := &proc.Task{PID: 2}

	if !less(periodic, nonPeriodic) {
		t.Fatal("expected a periodic task to be considered before a non-periodic one")
	}
	if less(nonPeriodic, periodic) {
		t.Fatal("expected a non-periodic task to never precede a periodic one")
	}
}

func TestLessPeriodicComparesDeadline(t *testing.T) {
	a := &proc.Task{PID: 1}
	a.Sched.IsPeriodic = true
	a.Sched.Deadline = 100

	b := &proc.Task{PID: 2}
	b.Sched.IsPeriodic = true
	b.Sched.Deadline = 50

	if !less(b, a) {
		t.Fatal("expected the task with the earlier deadline to sort first")
	}
}

func TestLessNonPeriodicComparesVRuntime(t *testing.T) {
	a := &proc.Task{PID: 1}
	a.Sched.VRuntime = 500
	b := &proc.Task{PID: 2}
	b.Sched.VRuntime = 200

	if !less(b, a) {
		t.Fatal("expected the task with the smaller vruntime to sort first")
	}
}

func TestLessTiesBreakOnArrivalThenPID(t *testing.T) {
	a := &proc.Task{PID: 5}
	b := &proc.Task{PID: 2}
	// Equal vruntime and arrival time: lower pid wins.
	if !less(b, a) {
		t.Fatal("expected the lower pid to break a full tie")
	}

	a.Sched.ArrivalTime = 10
	b.Sched.ArrivalTime = 20
	if !less(a, b) {
		t.Fatal("expected the earlier arrival time to break the tie ahead of pid")
	}
}

func TestPickSkipsNonRunnableTasks(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	sleeping := &proc.Task{PID: 1, State: proc.Sleeping}
	runnable := &proc.Task{PID: 2, State: proc.Running}
	enqueue(sleeping)
	enqueue(runnable)

	if got := pick(); got != runnable {
		t.Fatalf("expected pick to skip the sleeping task; got %v", got)
	}
}

func TestAdmitPeriodicRejectsOverload(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	t1 := &proc.Task{PID: 1}
	if !AdmitPeriodic(t1, 50, 100) {
		t.Fatal("expected a 50%% utilization task to be admitted")
	}

	t2 := &proc.Task{PID: 2}
	if !AdmitPeriodic(t2, 40, 100) {
		t.Fatal("expected total utilization of 90%% to be admitted")
	}

	t3 := &proc.Task{PID: 3}
	if AdmitPeriodic(t3, 20, 100) {
		t.Fatal("expected a task pushing total utilization past 100%% to be rejected")
	}
}

func TestAdmitPeriodicRejectsWCETExceedingPeriod(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	task := &proc.Task{PID: 1}
	if AdmitPeriodic(task, 200, 100) {
		t.Fatal("expected a task whose WCET exceeds its period to be rejected")
	}
}

func TestTickAccruesVRuntimeForNonPeriodicOnly(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	nonPeriodic := &proc.Task{PID: 1, State: proc.Running}
	enqueue(nonPeriodic)

	before := nonPeriodic.Sched.VRuntime
	if _, err := Tick(nonPeriodic); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nonPeriodic.Sched.VRuntime <= before {
		t.Fatal("expected vruntime to increase after a tick")
	}
	if nonPeriodic.Sched.SumExecRuntime != 1 {
		t.Fatalf("expected SumExecRuntime to be 1; got %d", nonPeriodic.Sched.SumExecRuntime)
	}
}

func TestTickReturnsErrorOnEmptyRunQueue(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	if _, err := Tick(nil); err != errNoRunnableTask {
		t.Fatalf("expected errNoRunnableTask; got %v", err)
	}
}

func TestYieldSleepingDequeues(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	task := &proc.Task{PID: 1, State: proc.Running}
	enqueue(task)

	Yield(task, true)
	if task.State != proc.Sleeping {
		t.Fatalf("expected task to transition to Sleeping; got %v", task.State)
	}
	if _, ok := byPID[task.PID]; ok {
		t.Fatal("expected a sleeping task to be removed from the run queue")
	}
}

func TestWakeReinsertsSleepingTask(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	task := &proc.Task{PID: 1, State: proc.Sleeping}
	Wake(task)
	if task.State != proc.Running {
		t.Fatalf("expected task to transition to Running; got %v", task.State)
	}
	if _, ok := byPID[task.PID]; !ok {
		t.Fatal("expected Wake to reinsert the task into the run queue")
	}
}

func TestKillReturnsErrNoSuchTaskForUnknownPID(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	if err := Kill(4000, signal.SIGTERM); err != errNoSuchTask {
		t.Fatalf("expected errNoSuchTask for an unknown pid; got %v", err)
	}
}

func TestWakeIgnoresAlreadyRunningTask(t *testing.T) {
	resetRunQueue()
	defer resetRunQueue()

	task := &proc.Task{PID: 1, State: proc.Running}
	Wake(task)
	if _, ok := byPID[task.PID]; ok {
		t.Fatal("expected Wake to be a no-op for an already-running task")
	}
}
