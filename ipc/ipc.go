// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NOVA RTOS - Inter-Thread FIFOs
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// Bounded word FIFOs between producer and consumer threads, composed from
// two kernel semaphores each:
//
//	currentSize  counts readable words; readers wait on it when empty
//	mutex        guards the head-side read critical section
//
// Writes are not mutex protected: one producer per FIFO. A second
// producer would race the tail cursor. Readers may be several; the mutex
// serializes them. A full FIFO drops the incoming word and counts it;
// the data already queued is preserved.
//
// Semaphore allocation map: each FIFO's pair lives in a reserved region
// at the top of the kernel semaphore pool,
//
//	currentSize(i) = MaxSemaphores - 2*MaxNumberOfFIFOs + 2*i
//	mutex(i)       = currentSize(i) + 1
//
// leaving IDs below the region free for application use.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package ipc

import (
	"nova/kernel"
)

const (
	MaxNumberOfFIFOs = 4  // FIFO pool slots
	FIFOSize         = 16 // Words per FIFO
)

// fifoSemBase is the first semaphore ID of the reserved region.
const fifoSemBase = kernel.MaxSemaphores - 2*MaxNumberOfFIFOs

// FIFO is one bounded ring of words. Head and tail are cursors into the
// buffer; lostData counts words dropped on overflow and never decreases.
type FIFO struct {
	buffer   [FIFOSize]uint32
	head     uint32
	tail     uint32
	lostData uint32

	currentSize kernel.SemID
	mutex       kernel.SemID
}

// LostData returns the overflow drop count.
func (f *FIFO) LostData() uint32 {
	return f.lostData
}

// Pool is the fixed set of FIFOs bound to one kernel.
type Pool struct {
	k     *kernel.Kernel
	fifos [MaxNumberOfFIFOs]FIFO
}

// NewPool binds a FIFO pool to a kernel.
func NewPool(k *kernel.Kernel) *Pool {
	return &Pool{k: k}
}

// FIFO exposes a pool slot for inspection.
func (p *Pool) FIFO(index int) *FIFO {
	return &p.fifos[index]
}

// CurrentSizeSem returns the semaphore ID gating reads of a FIFO.
func (p *Pool) CurrentSizeSem(index uint32) kernel.SemID {
	return fifoSemBase + kernel.SemID(2*index)
}

// MutexSem returns the semaphore ID guarding a FIFO's read side.
func (p *Pool) MutexSem(index uint32) kernel.SemID {
	return fifoSemBase + kernel.SemID(2*index) + 1
}

// Init prepares one FIFO: cursors to the buffer base, currentSize to 0,
// mutex to 1, lost-data cleared. Returns -1 for an index outside the
// pool, 0 otherwise.
func (p *Pool) Init(index uint32) int32 {
	if index >= MaxNumberOfFIFOs {
		return -1
	}
	f := &p.fifos[index]
	f.head = 0
	f.tail = 0
	f.lostData = 0
	f.currentSize = p.CurrentSizeSem(index)
	f.mutex = p.MutexSem(index)
	p.k.InitSemaphore(f.currentSize, 0)
	p.k.InitSemaphore(f.mutex, 1)
	return 0
}

// Read takes one word from the head. An empty FIFO blocks the caller on
// currentSize; the wait that gated entry is also the size decrement, so
// the count is never signalled back on the read side. The head cursor
// wraps when it reaches the last buffer element. Returns -1 for an index
// outside the pool.
func (p *Pool) Read(index uint32) int32 {
	if index >= MaxNumberOfFIFOs {
		return -1
	}
	f := &p.fifos[index]
	p.k.Wait(f.currentSize)
	p.k.Wait(f.mutex)
	val := f.buffer[f.head]
	f.head++
	if f.head == FIFOSize-1 {
		f.head = 0
	}
	p.k.Signal(f.mutex)
	return int32(val)
}

// Write stores one word at the tail and signals currentSize. A full FIFO
// drops the word, counts it and returns -2; the tail does not advance, so
// the oldest data survives and the newest is lost. The tail cursor wraps
// one past the buffer end. Returns -1 for an index outside the pool, 0
// on success.
//
// The fullness check reads the raw currentSize count. While readers are
// blocked the count is negative and the check cannot fire, and the FIFO
// cannot be full then either: blocked readers mean it was empty.
func (p *Pool) Write(index uint32, data uint32) int32 {
	if index >= MaxNumberOfFIFOs {
		return -1
	}
	f := &p.fifos[index]
	if p.k.SemValue(f.currentSize) == FIFOSize {
		f.lostData++
		return -2
	}
	f.buffer[f.tail] = data
	f.tail++
	if f.tail == FIFOSize {
		f.tail = 0
	}
	p.k.Signal(f.currentSize)
	return 0
}
