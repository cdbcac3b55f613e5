// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NOVA RTOS Kernel - Executable Reference Model
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// DESIGN PHILOSOPHY:
// ─────────────────
// 1. Fixed pools: every TCB, stack and timer slot allocated at compile time
// 2. Slot indices, not pointers: ring links are indices into the pools
// 3. Strict fixed priority: lowest value wins, ring order breaks ties
// 4. One actor per mutation: tick owns time, PendSV owns the running slot
// 5. Critical-section bracket around every table mutation
//
// SCHEDULING:
// ──────────
// Preemptive, single core. Threads run until the tick, a blocking wait, a
// sleep or a kill requests the PendSV exception; PendSV sits at the lowest
// priority so the switch tail-chains after every other handler. The
// scheduler walks the alive ring from the slot 0 anchor and picks the
// eligible thread with the numerically lowest priority.
//
// This Go model serves as both:
// 1. Executable reference for the kernel's scheduling and blocking rules
// 2. Behavioral specification for a port to real Cortex-M silicon
//
// The model cannot suspend a Go call the way PendSV suspends a thread
// mid-instruction. A blocking operation records the suspension (blocked or
// asleep flag, saved context, rescheduled running slot) and then returns
// to the harness; the harness continues a thread's program only while that
// thread is the currently running one. Every observable rule is expressed
// in pool and register state, so the suites verify the same behavior the
// silicon would show.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package kernel

import (
	"fmt"

	"nova/core"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	MaxThreads         = 6   // TCB pool slots
	MaxPeriodicThreads = 6   // PTCB pool slots
	StackSize          = 512 // Words per thread stack
	MaxNameLength      = 16  // Thread name bytes, NUL included
	MaxSemaphores      = 32  // Semaphore pool slots

	TickRateHz = 1000 // Kernel tick, SysTick reload = coreclock / TickRateHz

	MaxAperiodicPriority = 6 // Hardware priority ceiling for user handlers
)

// Synthetic frame seeds. A stack dump of a never-run thread reads back
// which register each word feeds: dead registers carry their own number in
// every byte, the link register carries the sentinel (a thread function
// must never return through it).
const (
	lrSentinel = 0x14141414

	frameWords = 16 // R4-R11 + R0-R3, R12, LR, PC, xPSR

	// Modeled flash addresses handed out as thread entry points, one
	// stride per pool slot.
	threadCodeBase   = 0x08000000
	threadCodeStride = 0x80
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ERROR CODES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ErrCode is the kernel's API result. Errors are returned, never trapped;
// the kernel rejects misuse and continues.
type ErrCode int32

const (
	NoError ErrCode = iota
	ThreadLimitReached
	ThreadDoesNotExist
	CannotKillLast
	IrqnInvalid
	HwiPriorityInvalid
)

func (e ErrCode) String() string {
	switch e {
	case NoError:
		return "no error"
	case ThreadLimitReached:
		return "thread limit reached"
	case ThreadDoesNotExist:
		return "thread does not exist"
	case CannotKillLast:
		return "cannot kill last thread"
	case IrqnInvalid:
		return "IRQ number invalid"
	case HwiPriorityInvalid:
		return "hardware interrupt priority invalid"
	}
	return fmt.Sprintf("ErrCode(%d)", int32(e))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTROL BLOCKS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ThreadID names a thread for kill requests. Assigned by the caller at
// AddThread and matched verbatim by KillThread.
type ThreadID int32

// SemID indexes the kernel semaphore pool. NoSemaphore marks a TCB that
// is not blocked.
type SemID int32

const NoSemaphore SemID = -1

// TCB is one thread control block. Alive TCBs are woven into a circular
// doubly-linked ring through the Next/Prev slot indices; the pool owns
// every block for the kernel's lifetime and a dead slot is reused by a
// later AddThread.
//
// StackPointer is a word index into the slot's own stack array, so the
// saved SP always points into that thread's stack.
type TCB struct {
	StackPointer uint32
	Next         uint8
	Prev         uint8
	BlockedOn    SemID
	SleepCount   uint32
	Asleep       bool
	Priority     uint8 // 0 is highest
	Alive        bool
	Name         [MaxNameLength]byte
	ID           ThreadID

	// Entry keeps the Go function behind the modeled code address in the
	// frame's PC slot, for harnesses that want to run the thread body.
	Entry func()
}

// ThreadName returns the name up to its NUL terminator.
func (t *TCB) ThreadName() string {
	for i, b := range t.Name {
		if b == 0 {
			return string(t.Name[:i])
		}
	}
	return string(t.Name[:])
}

// PTCB is one periodic event descriptor. Due when system time reaches
// ExecuteTime; firing advances ExecuteTime by Period, so the next due
// time is always in the future immediately after a fire.
type PTCB struct {
	Handler     func()
	Next        uint8
	Prev        uint8
	Period      uint32
	ExecuteTime uint32
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// KERNEL
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Kernel is the whole RTOS state: the TCB, stack, periodic and semaphore
// pools plus the run-time counters, bound to one modeled core. Explicit
// Init/Launch lifecycle, no hidden initialization.
type Kernel struct {
	core *core.Core

	tcbs   [MaxThreads]TCB
	stacks [MaxThreads][StackSize]uint32
	ptcbs  [MaxPeriodicThreads]PTCB
	sems   [MaxSemaphores]int32

	systemTime  uint32 // Monotonic tick count, written only by the tick handler
	current     uint8  // Currently running slot
	numThreads  uint32
	numPThreads uint32
	launched    bool
}

// New binds a kernel to a modeled core. Call Init before adding threads
// and Launch to start scheduling.
func New(c *core.Core) *Kernel {
	k := &Kernel{core: c}
	for i := range k.tcbs {
		k.tcbs[i].BlockedOn = NoSemaphore
	}
	return k
}

// Init performs the one-time setup: relocates the vector table to RAM so
// aperiodic handlers can be installed, and zeroes the run-time counters.
func (k *Kernel) Init() {
	k.core.RelocateVectorTable()
	k.systemTime = 0
	k.numThreads = 0
	k.numPThreads = 0
}

// Launch starts the kernel: installs the tick and switch handlers, starts
// the 1 kHz tick, drops both system exceptions to the lowest maskable
// priority so every other interrupt preempts them, selects slot 0 as the
// first running thread and pops its synthetic frame.
//
// At least one thread must have been added.
func (k *Kernel) Launch() ErrCode {
	k.core.InstallVector(core.VecSysTick, k.tickHandler)
	k.core.InstallVector(core.VecPendSV, k.switchHandler)

	k.core.SysTickConfig(k.core.ClockHz / TickRateHz)
	k.core.SetSystemPriority(core.VecPendSV, core.LowestPriority)
	k.core.SetSystemPriority(core.VecSysTick, core.LowestPriority)
	k.core.SysTickEnable()

	k.current = 0
	k.restoreContext()
	k.launched = true
	return NoError
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// OBSERVABILITY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Launched reports whether Launch has run.
func (k *Kernel) Launched() bool {
	return k.launched
}

// GetSystemTime returns the tick count. Read without a barrier; a thread
// may observe a value stale by one tick.
func (k *Kernel) GetSystemTime() uint32 {
	return k.systemTime
}

// GetThreadID returns the running thread's ID.
func (k *Kernel) GetThreadID() ThreadID {
	return k.tcbs[k.current].ID
}

// GetNumberOfThreads returns the alive thread count.
func (k *Kernel) GetNumberOfThreads() uint32 {
	return k.numThreads
}

// GetNumberOfPeriodicThreads returns the registered periodic event count.
func (k *Kernel) GetNumberOfPeriodicThreads() uint32 {
	return k.numPThreads
}

// CurrentSlot returns the running thread's pool slot.
func (k *Kernel) CurrentSlot() uint8 {
	return k.current
}

// Current returns the running thread's TCB.
func (k *Kernel) Current() *TCB {
	return &k.tcbs[k.current]
}

// Thread exposes a pool slot for inspection.
func (k *Kernel) Thread(slot int) *TCB {
	return &k.tcbs[slot]
}

// Periodic exposes a periodic pool slot for inspection.
func (k *Kernel) Periodic(slot int) *PTCB {
	return &k.ptcbs[slot]
}

// Stack exposes a slot's stack array for inspection.
func (k *Kernel) Stack(slot int) *[StackSize]uint32 {
	return &k.stacks[slot]
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// THREAD TABLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func threadCodeAddr(slot uint8) uint32 {
	return threadCodeBase + uint32(slot)*threadCodeStride
}

// setInitialStack builds the synthetic exception frame that makes a new
// thread indistinguishable from one that was preempted. Layout from the
// top of the stack downward:
//
//	xPSR (thumb bit), PC = entry, LR = sentinel, R12, R3, R2, R1, R0,
//	R11, R10, R9, R8, R7, R6, R5, R4
//
// The saved SP lands on the R4 word, exactly what the switch path's
// restore expects.
func (k *Kernel) setInitialStack(slot uint8, pc uint32) {
	st := &k.stacks[slot]
	st[StackSize-1] = core.ThumbBit
	st[StackSize-2] = pc
	st[StackSize-3] = lrSentinel
	st[StackSize-4] = 0x0C0C0C0C // R12
	st[StackSize-5] = 0x03030303 // R3
	st[StackSize-6] = 0x02020202 // R2
	st[StackSize-7] = 0x01010101 // R1
	st[StackSize-8] = 0x00000000 // R0
	st[StackSize-9] = 0x0B0B0B0B // R11
	st[StackSize-10] = 0x0A0A0A0A // R10
	st[StackSize-11] = 0x09090909 // R9
	st[StackSize-12] = 0x08080808 // R8
	st[StackSize-13] = 0x07070707 // R7
	st[StackSize-14] = 0x06060606 // R6
	st[StackSize-15] = 0x05050505 // R5
	st[StackSize-16] = 0x04040404 // R4
	k.tcbs[slot].StackPointer = StackSize - frameWords
}

// AddThread allocates the first dead pool slot for a new thread, builds
// its synthetic frame and links it into the ring immediately before the
// slot 0 anchor. The name is truncated to fit and always NUL-terminated.
func (k *Kernel) AddThread(fn func(), priority uint8, name string, id ThreadID) ErrCode {
	prev := k.core.StartCritical()
	if k.numThreads >= MaxThreads {
		k.core.EndCritical(prev)
		return ThreadLimitReached
	}

	// The capacity check above guarantees a dead slot exists.
	slot := uint8(0)
	for i := 0; i < MaxThreads; i++ {
		if !k.tcbs[i].Alive {
			slot = uint8(i)
			break
		}
	}

	t := &k.tcbs[slot]
	k.setInitialStack(slot, threadCodeAddr(slot))
	t.Entry = fn
	t.Priority = priority
	t.ID = id
	t.BlockedOn = NoSemaphore
	t.SleepCount = 0
	t.Asleep = false
	t.Name = [MaxNameLength]byte{}
	copy(t.Name[:MaxNameLength-1], name)
	t.Alive = true

	if k.numThreads == 0 {
		t.Next = slot
		t.Prev = slot
	} else {
		// Insert before the anchor. When the anchor slot itself is being
		// reused, it rejoins before the first live slot its stale
		// outbound link leads to.
		succ := uint8(0)
		if slot == 0 {
			succ = t.Next
			for !k.tcbs[succ].Alive {
				succ = k.tcbs[succ].Next
			}
		}
		t.Next = succ
		t.Prev = k.tcbs[succ].Prev
		k.tcbs[t.Prev].Next = slot
		k.tcbs[succ].Prev = slot
	}

	k.numThreads++
	k.core.EndCritical(prev)
	return NoError
}

// KillThread unlinks the thread with the given ID from the ring and marks
// its slot dead and unblocked. The dead slot keeps its outbound links, so
// a walk anchored on it still reaches the live ring. Refuses to kill the
// last thread.
//
// A thread killed while blocked leaves its semaphore depressed by one;
// the count is not restored. Signalling that semaphore wakes some other
// waiter or banks the count, never the dead thread.
func (k *Kernel) KillThread(id ThreadID) ErrCode {
	prev := k.core.StartCritical()
	if k.numThreads == 1 {
		k.core.EndCritical(prev)
		return CannotKillLast
	}

	// One ring lap from the anchor's successor, same traversal the
	// scheduler uses.
	idx := k.tcbs[0].Next
	for !k.tcbs[idx].Alive {
		idx = k.tcbs[idx].Next
	}
	for n := uint32(0); n < k.numThreads; n++ {
		t := &k.tcbs[idx]
		if t.Alive && t.ID == id {
			k.tcbs[t.Prev].Next = t.Next
			k.tcbs[t.Next].Prev = t.Prev
			t.BlockedOn = NoSemaphore
			t.Alive = false
			k.numThreads--
			k.core.EndCritical(prev)
			return NoError
		}
		idx = t.Next
	}

	k.core.EndCritical(prev)
	return ThreadDoesNotExist
}

// KillSelf kills the running thread and requests the switch that carries
// execution away from it. Same ring and semaphore bookkeeping as
// KillThread.
func (k *Kernel) KillSelf() ErrCode {
	prev := k.core.StartCritical()
	if k.numThreads == 1 {
		k.core.EndCritical(prev)
		return CannotKillLast
	}

	t := &k.tcbs[k.current]
	k.tcbs[t.Prev].Next = t.Next
	k.tcbs[t.Next].Prev = t.Prev
	t.BlockedOn = NoSemaphore
	t.Alive = false
	k.numThreads--

	k.core.EndCritical(prev)
	k.core.PendSV()
	return NoError
}

// Sleep retires the running thread for duration ticks and requests a
// switch. The tick handler clears the asleep flag when the counter
// reaches zero, exactly duration ticks from now.
func (k *Kernel) Sleep(duration uint32) {
	t := &k.tcbs[k.current]
	t.SleepCount = duration
	t.Asleep = duration > 0
	k.core.PendSV()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// schedule selects the next running thread. Starting at the slot 0
// anchor, it walks NumberOfThreads ring successors, so a full ring is
// visited once and the walk ends back at the anchor. It keeps the first
// thread with the lowest priority value among those alive, not blocked
// and not asleep. With no eligible thread the running slot is left
// unchanged; application design keeps at least one thread runnable.
//
// The walk begins at the anchor's successor. A dead anchor keeps its
// outbound links, so the walk still enters the live ring; any further
// dead slots on that way in are stepped over before counting starts.
//
// Invoked only from the switch path, so the running slot changes in
// exactly one place.
func (k *Kernel) schedule() {
	idx := k.tcbs[0].Next
	for k.numThreads > 0 && !k.tcbs[idx].Alive {
		idx = k.tcbs[idx].Next
	}
	best := int32(-1)
	for n := uint32(0); n < k.numThreads; n++ {
		t := &k.tcbs[idx]
		if t.Alive && t.BlockedOn == NoSemaphore && !t.Asleep &&
			(best < 0 || t.Priority < k.tcbs[best].Priority) {
			best = int32(idx)
		}
		idx = t.Next
	}
	if best >= 0 {
		k.current = uint8(best)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// TICK HANDLER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// tickHandler runs at the SysTick vector once per tick period:
//
//  1. Advance system time.
//  2. Fire at most one due periodic event, slot order, advancing its due
//     time by its period before invoking it. When several are due in the
//     same tick the rest slip to the following ticks.
//  3. Decrement every positive sleep counter; a counter reaching zero
//     clears that thread's asleep flag.
//  4. Pend the context switch.
//
// Periodic handlers run in tick context: short, no blocking.
func (k *Kernel) tickHandler() {
	k.systemTime++

	for i := uint32(0); i < k.numPThreads; i++ {
		p := &k.ptcbs[i]
		if p.ExecuteTime <= k.systemTime {
			p.ExecuteTime += p.Period
			p.Handler()
			break
		}
	}

	for i := range k.tcbs {
		t := &k.tcbs[i]
		if t.SleepCount > 0 {
			t.SleepCount--
			if t.SleepCount == 0 {
				t.Asleep = false
			}
		}
	}

	k.core.PendSV()
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONTEXT SWITCH
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// switchHandler runs at the PendSV vector, the lowest priority in the
// system, so a switch requested from any other context tail-chains after
// that context returns. It models the full exception sequence:
//
//	entry stacking:  xPSR, PC, LR, R12, R3-R0 pushed on the running stack
//	handler body:    push R11-R4, save SP, schedule, load SP, pop R4-R11
//	exception return: pop the entry frame, resuming the new thread
//
// Sixteen words move per switch, the same frame setInitialStack builds.
func (k *Kernel) switchHandler() {
	c := k.core
	t := &k.tcbs[k.current]
	st := &k.stacks[k.current]
	sp := t.StackPointer

	sp--
	st[sp] = c.PSR
	sp--
	st[sp] = c.PC
	sp--
	st[sp] = c.LR
	sp--
	st[sp] = c.R[12]
	for r := 3; r >= 0; r-- {
		sp--
		st[sp] = c.R[r]
	}
	for r := 11; r >= 4; r-- {
		sp--
		st[sp] = c.R[r]
	}
	t.StackPointer = sp

	k.schedule()
	k.restoreContext()
}

// restoreContext pops the running thread's saved frame into the register
// file: R4-R11 from the handler push, then the exception frame. Also the
// launch path's "start first thread" primitive.
func (k *Kernel) restoreContext() {
	c := k.core
	t := &k.tcbs[k.current]
	st := &k.stacks[k.current]
	sp := t.StackPointer

	for r := 4; r <= 11; r++ {
		c.R[r] = st[sp]
		sp++
	}
	for r := 0; r <= 3; r++ {
		c.R[r] = st[sp]
		sp++
	}
	c.R[12] = st[sp]
	sp++
	c.LR = st[sp]
	sp++
	c.PC = st[sp]
	sp++
	c.PSR = st[sp]
	sp++
	t.StackPointer = sp
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// PERIODIC EVENTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// AddPeriodicEvent registers a software timer firing every period ticks,
// first due at tick executionOffset. Slots append in registration order
// and are linked into a ring before slot 0, matching the thread ring
// shape; the tick scan visits them by slot index.
func (k *Kernel) AddPeriodicEvent(fn func(), period, executionOffset uint32) ErrCode {
	prev := k.core.StartCritical()
	if k.numPThreads >= MaxPeriodicThreads {
		k.core.EndCritical(prev)
		return ThreadLimitReached
	}

	n := uint8(k.numPThreads)
	p := &k.ptcbs[n]
	p.Handler = fn
	p.Period = period
	p.ExecuteTime = executionOffset
	if n == 0 {
		p.Next = 0
		p.Prev = 0
	} else {
		p.Next = 0
		p.Prev = n - 1
		k.ptcbs[n-1].Next = n
		k.ptcbs[0].Prev = n
	}

	k.numPThreads++
	k.core.EndCritical(prev)
	return NoError
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// APERIODIC EVENTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// AddAperiodicEvent installs an interrupt-triggered handler at the given
// vector. Valid IRQ numbers are 0 < irq < 155 and user handler priority
// tops out at 6, one above the kernel's own exceptions. The handler
// preempts every thread; it may signal semaphores but must not wait.
func (k *Kernel) AddAperiodicEvent(fn func(), priority uint8, irq int32) ErrCode {
	prev := k.core.StartCritical()
	if irq <= 0 || irq >= core.NumVectors {
		k.core.EndCritical(prev)
		return IrqnInvalid
	}
	if priority > MaxAperiodicPriority {
		k.core.EndCritical(prev)
		return HwiPriorityInvalid
	}

	k.core.InstallVector(irq, core.Handler(fn))
	k.core.SetPriority(irq, priority)
	k.core.EnableIRQ(irq)

	k.core.EndCritical(prev)
	return NoError
}
