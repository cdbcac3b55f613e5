// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NOVA RTOS Kernel - Counting Semaphores
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// A semaphore is one signed count in the kernel pool. Negative values
// count the threads blocked on it: at rest, the number of TCBs whose
// BlockedOn equals a semaphore's ID is max(0, -count).
//
// There is no waiter queue. The blocked set is exactly "the TCBs whose
// BlockedOn index equals this semaphore", and Signal wakes one of them by
// walking the ring forward from the running thread's successor. Wake
// order is therefore deterministic ring order, not arrival order and not
// priority; the scheduler re-ranks a woken thread on its next pass.
//
// Counting, non-reentrant, no priority inheritance, no timed wait.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package kernel

// InitSemaphore sets a pool semaphore to a starting count. A count of 1
// makes a mutex, 0 an empty resource gate.
func (k *Kernel) InitSemaphore(s SemID, value int32) {
	prev := k.core.StartCritical()
	k.sems[s] = value
	k.core.EndCritical(prev)
}

// Wait decrements the count. A negative result blocks the running thread:
// its BlockedOn is set and the switch is requested, and the thread runs
// again only after a Signal clears the field and the scheduler re-selects
// it. In this model the call then returns to the harness; the harness
// resumes the thread's program once it is running again.
func (k *Kernel) Wait(s SemID) {
	prev := k.core.StartCritical()
	k.sems[s]--
	if k.sems[s] < 0 {
		k.tcbs[k.current].BlockedOn = s
		k.core.EndCritical(prev)
		k.core.PendSV()
		return
	}
	k.core.EndCritical(prev)
}

// Signal increments the count. A result still at or below zero means a
// thread is waiting: the first TCB with BlockedOn == s on the forward
// ring walk from the running thread's successor is unblocked. Signal does
// not itself force a switch; the woken thread competes on priority at the
// next one.
//
// The walk is bounded to one ring lap. A kill of a blocked thread leaves
// the count depressed with one fewer waiter on the ring, so a lap can
// come up empty; the signal then only banks the count.
func (k *Kernel) Signal(s SemID) {
	prev := k.core.StartCritical()
	k.sems[s]++
	if k.sems[s] <= 0 {
		idx := k.tcbs[k.current].Next
		for n := uint32(0); n < k.numThreads; n++ {
			if k.tcbs[idx].BlockedOn == s {
				k.tcbs[idx].BlockedOn = NoSemaphore
				break
			}
			idx = k.tcbs[idx].Next
		}
	}
	k.core.EndCritical(prev)
}

// SemValue reads a semaphore's raw count. Negative values report blocked
// waiters.
func (k *Kernel) SemValue(s SemID) int32 {
	return k.sems[s]
}
