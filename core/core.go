// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NOVA Cortex-M4 Core Model
// ───────────────────────────────────────────────────────────────────────────────────────────────
//
// DESIGN PHILOSOPHY:
// ─────────────────
// 1. Deterministic delivery: interrupts fire only when the harness says so
// 2. Bitmap NVIC state: enable/pend words, O(1) set/clear, CTZ scan
// 3. Run-to-completion handlers: no nesting, tail-chained pends
// 4. PRIMASK gate: one bit masks every configurable exception
// 5. Relocatable vector table: ROM image, RAM working copy, VTOR select
//
// MODELED HARDWARE:
// ────────────────
// Register file:   R0-R12, LR, PC, xPSR (thumb bit = bit 24)
// Exceptions:      155 vectors (PendSV=14, SysTick=15, external IRQs 16+)
// Priorities:      3-bit per vector, 0 = highest, 7 = lowest maskable
// SysTick:         24-bit down counter, reload = coreclock / tickrate
//
// The model stands in for the silicon side of the kernel's platform
// contract: tick source, pendable switch interrupt, vector installation,
// and the interrupt-disable bracket. Exception entry register stacking is
// performed by the handler owners (the kernel), since stacks live in the
// kernel's thread pool, not in a flat modeled memory.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

package core

import (
	"math/bits"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION CONSTANTS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	NumVectors = 155 // Reset through last external IRQ

	VecPendSV  = 14 // Pendable context-switch exception
	VecSysTick = 15 // Periodic tick exception

	ThumbBit = 1 << 24 // xPSR.T, must be set in every execution frame

	LowestPriority = 7 // 3-bit priority field, numerically lowest urgency

	pendWords = (NumVectors + 31) / 32 // Bitmap words covering all vectors
)

// Handler is modeled executable code at a vector slot. A nil handler is an
// unpopulated slot; delivering to it is a no-op rather than a fault.
type Handler func()

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EXCEPTION BITMAPS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// vecBitmap is one bit of state per vector, packed 32 per word.
// Bit[v] = 1: vector v set. Same structure as an NVIC ISER/ISPR bank.
type vecBitmap [pendWords]uint32

func (b *vecBitmap) set(vec int32) {
	b[vec>>5] |= 1 << (uint(vec) & 31)
}

func (b *vecBitmap) clear(vec int32) {
	b[vec>>5] &^= 1 << (uint(vec) & 31)
}

func (b *vecBitmap) isSet(vec int32) bool {
	return (b[vec>>5]>>(uint(vec)&31))&1 != 0
}

// empty reports whether no bit is set. OR-reduction over the bank.
func (b *vecBitmap) empty() bool {
	var or uint32
	for _, w := range b {
		or |= w
	}
	return or == 0
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SYSTICK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SysTick models the 24-bit system timer. The harness advances time with
// Core.TickOnce, which stands for one reload expiry; the Reload value is
// kept so the configured rate is observable.
type SysTick struct {
	Reload  uint32 // Counter reload value (coreclock cycles per tick)
	Enabled bool   // Counting and interrupt generation on
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CORE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Core is the modeled processor: register file, PRIMASK, vector tables,
// NVIC enable/pend/priority state and the SysTick timer.
type Core struct {
	// Register file. R holds R0-R12; LR, PC and PSR are split out the way
	// the exception frame treats them.
	R   [13]uint32
	LR  uint32
	PC  uint32
	PSR uint32

	ClockHz uint32 // Modeled core clock, feeds the tick divider

	SysTick SysTick

	primask uint32 // 1 = configurable exceptions masked

	// Vector tables. rom is the boot image; ram is the working copy after
	// relocation. vtorRAM selects which one delivery reads.
	rom     [NumVectors]Handler
	ram     [NumVectors]Handler
	vtorRAM bool

	priority [NumVectors]uint8 // 3-bit priority per vector
	shpr3    uint32            // System handler priority register (PendSV, SysTick fields)

	enabled vecBitmap // External IRQ enable bits
	pending vecBitmap // Pended, not yet delivered

	servicing bool // Delivery loop re-entrancy latch
}

// New returns a reset core: registers cleared, all exceptions at priority
// 0, nothing enabled or pending, vector table in ROM.
func New(clockHz uint32) *Core {
	return &Core{ClockHz: clockHz}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CRITICAL SECTION (PRIMASK BRACKET)
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// StartCritical disables all maskable exceptions and returns the previous
// PRIMASK value. Pairs with EndCritical; nesting is safe as long as every
// caller restores the value its own StartCritical returned.
//
// HARDWARE: MRS r, PRIMASK ; CPSID i (2 cycles)
func (c *Core) StartCritical() uint32 {
	prev := c.primask
	c.primask = 1
	return prev
}

// EndCritical restores a saved PRIMASK value. If the restore unmasks the
// core, anything pended inside the bracket is delivered now.
//
// HARDWARE: MSR PRIMASK, r (1 cycle, then late-arriving exception entry)
func (c *Core) EndCritical(prev uint32) {
	c.primask = prev
	if prev == 0 {
		c.dispatch()
	}
}

// CriticalMasked reports the PRIMASK state. Observability hook for tests.
func (c *Core) CriticalMasked() bool {
	return c.primask != 0
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// VECTOR TABLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// RelocateVectorTable copies the boot table into RAM and points VTOR at
// the copy. Installs after relocation land in the RAM table, which is the
// precondition for registering handlers at arbitrary IRQ slots.
func (c *Core) RelocateVectorTable() {
	c.ram = c.rom
	c.vtorRAM = true
}

// VectorTableInRAM reports whether relocation has happened.
func (c *Core) VectorTableInRAM() bool {
	return c.vtorRAM
}

// InstallVector writes a handler into the active table.
func (c *Core) InstallVector(vec int32, h Handler) {
	if c.vtorRAM {
		c.ram[vec] = h
		return
	}
	c.rom[vec] = h
}

// vector reads the active table.
func (c *Core) vector(vec int32) Handler {
	if c.vtorRAM {
		return c.ram[vec]
	}
	return c.rom[vec]
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NVIC STATE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SetPriority programs the 3-bit priority of a vector. 0 is most urgent,
// LowestPriority least.
func (c *Core) SetPriority(vec int32, pri uint8) {
	c.priority[vec] = pri & LowestPriority
}

// Priority reads back a vector's programmed priority.
func (c *Core) Priority(vec int32) uint8 {
	return c.priority[vec]
}

// SetSystemPriority programs PendSV or SysTick priority. Mirrors the
// write into the SHPR3 field layout (PendSV bits 21-23, SysTick bits
// 29-31) alongside the flat priority table.
func (c *Core) SetSystemPriority(vec int32, pri uint8) {
	switch vec {
	case VecPendSV:
		c.shpr3 = (c.shpr3 &^ (uint32(LowestPriority) << 21)) | uint32(pri&LowestPriority)<<21
	case VecSysTick:
		c.shpr3 = (c.shpr3 &^ (uint32(LowestPriority) << 29)) | uint32(pri&LowestPriority)<<29
	}
	c.SetPriority(vec, pri)
}

// SHPR3 exposes the raw system handler priority register.
func (c *Core) SHPR3() uint32 {
	return c.shpr3
}

// EnableIRQ sets a vector's enable bit. Only enabled vectors accept
// external triggers; system exceptions (PendSV, SysTick) pend directly.
func (c *Core) EnableIRQ(vec int32) {
	c.enabled.set(vec)
}

// DisableIRQ clears a vector's enable bit. A pend already latched stays
// latched.
func (c *Core) DisableIRQ(vec int32) {
	c.enabled.clear(vec)
}

// IRQEnabled reports a vector's enable bit.
func (c *Core) IRQEnabled(vec int32) bool {
	return c.enabled.isSet(vec)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// EXCEPTION DELIVERY
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// PendSV pends the context-switch exception. Delivered immediately when
// unmasked, otherwise on the closing EndCritical or the next handler
// tail-chain. This is the ICSR.PENDSVSET write of the real part.
func (c *Core) PendSV() {
	c.pend(VecPendSV)
}

// TriggerIRQ injects an external interrupt. A disabled vector drops the
// trigger, matching a signal that never reaches the core.
func (c *Core) TriggerIRQ(vec int32) {
	if !c.enabled.isSet(vec) {
		return
	}
	c.pend(vec)
}

// SysTickPending reports whether the tick exception is latched.
func (c *Core) SysTickPending() bool {
	return c.pending.isSet(VecSysTick)
}

// PendSVPending reports whether the switch exception is latched.
func (c *Core) PendSVPending() bool {
	return c.pending.isSet(VecPendSV)
}

func (c *Core) pend(vec int32) {
	c.pending.set(vec)
	c.dispatch()
}

// dispatch delivers pended exceptions until none remain. Selection is
// lowest priority value first, lower vector number breaking ties, the
// same arbitration the NVIC performs. Handlers run to completion; a pend
// raised while one runs is tail-chained by the loop. PRIMASK set, or a
// delivery already in progress, defers everything.
//
// HARDWARE: priority tree over pend bank, 12-cycle entry per exception
func (c *Core) dispatch() {
	if c.primask != 0 || c.servicing {
		return
	}
	c.servicing = true
	for {
		vec := c.selectPending()
		if vec < 0 {
			break
		}
		c.pending.clear(vec)
		if h := c.vector(vec); h != nil {
			h()
		}
	}
	c.servicing = false
}

// selectPending arbitrates the pend bank: minimum (priority, vector).
// Returns -1 when nothing is pending. CTZ walk per word, the same scan
// the scoreboard models use.
func (c *Core) selectPending() int32 {
	if c.pending.empty() {
		return -1
	}
	best := int32(-1)
	for w := 0; w < pendWords; w++ {
		word := c.pending[w]
		for word != 0 {
			bit := bits.TrailingZeros32(word)
			word &^= 1 << bit
			vec := int32(w*32 + bit)
			if best < 0 || c.priority[vec] < c.priority[best] {
				best = vec
			}
		}
	}
	return best
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SYSTICK CONTROL
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// SysTickConfig programs the reload value. reload is in core clock
// cycles; coreclock / 1000 gives the 1 kHz kernel tick.
func (c *Core) SysTickConfig(reload uint32) {
	c.SysTick.Reload = reload
}

// SysTickEnable starts the timer.
func (c *Core) SysTickEnable() {
	c.SysTick.Enabled = true
}

// TickOnce models one SysTick expiry: pend the tick exception and let
// arbitration deliver it. With the timer disabled the expiry never
// happens. One call is one elapsed tick period of modeled time.
func (c *Core) TickOnce() {
	if !c.SysTick.Enabled {
		return
	}
	c.pend(VecSysTick)
}

// Tick advances n tick periods.
func (c *Core) Tick(n int) {
	for i := 0; i < n; i++ {
		c.TickOnce()
	}
}
