package core

import (
	"testing"
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// NOVA Cortex-M4 Core Model - Test Suite
// ═══════════════════════════════════════════════════════════════════════════════════════════════
//
// TEST PHILOSOPHY:
// ────────────────
// These tests serve dual purposes:
//   1. Functional verification: Ensure the Go model behaves correctly
//   2. Hardware specification: Define the exception behavior a port must show
//
// WHAT WE'RE TESTING:
// ──────────────────
// The core model is the silicon half of the kernel's platform contract:
// the PRIMASK critical-section bracket, the relocatable vector table, the
// NVIC's enable/pend/priority arbitration and the SysTick tick source.
// Every kernel rule about "what can preempt what" reduces to this model.
//
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 1. CRITICAL SECTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestCritical_ReturnsPriorState(t *testing.T) {
	// WHAT: StartCritical returns the PRIMASK value it replaced
	// WHY: Nested brackets must restore exactly what they saw
	// HARDWARE: MRS r, PRIMASK before CPSID i

	c := New(16_000_000)

	outer := c.StartCritical()
	if outer != 0 {
		t.Errorf("First StartCritical should see unmasked core, got %d", outer)
	}
	if !c.CriticalMasked() {
		t.Error("Core should be masked inside the bracket")
	}

	inner := c.StartCritical()
	if inner != 1 {
		t.Errorf("Nested StartCritical should see masked core, got %d", inner)
	}

	c.EndCritical(inner)
	if !c.CriticalMasked() {
		t.Error("Restoring the inner value must keep the core masked")
	}

	c.EndCritical(outer)
	if c.CriticalMasked() {
		t.Error("Restoring the outer value must unmask the core")
	}
}

func TestCritical_DefersDelivery(t *testing.T) {
	// WHAT: A pend raised inside the bracket delivers on the closing EndCritical
	// WHY: The bracket's whole point: atomicity against tick, switch and IRQs
	// HARDWARE: late-arriving exception entry after MSR PRIMASK, r

	c := New(16_000_000)
	ran := 0
	c.InstallVector(VecPendSV, func() { ran++ })

	prev := c.StartCritical()
	c.PendSV()
	if ran != 0 {
		t.Fatalf("Handler ran inside the critical section, ran=%d", ran)
	}
	if !c.PendSVPending() {
		t.Error("Pend should be latched while masked")
	}

	c.EndCritical(prev)
	if ran != 1 {
		t.Errorf("Handler should run exactly once after unmask, ran=%d", ran)
	}
	if c.PendSVPending() {
		t.Error("Pend bit should clear on delivery")
	}
}

func TestCritical_InnerRestoreDoesNotUnmask(t *testing.T) {
	// WHAT: Closing a nested bracket with its own saved value keeps deferring
	// WHY: Only the outermost restore may open the gate

	c := New(16_000_000)
	ran := 0
	c.InstallVector(VecPendSV, func() { ran++ })

	outer := c.StartCritical()
	inner := c.StartCritical()
	c.PendSV()
	c.EndCritical(inner)
	if ran != 0 {
		t.Errorf("Inner restore must not deliver, ran=%d", ran)
	}
	c.EndCritical(outer)
	if ran != 1 {
		t.Errorf("Outer restore delivers, ran=%d", ran)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 2. VECTOR TABLE
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestVectorTable_RelocationCopiesBootImage(t *testing.T) {
	// WHAT: RelocateVectorTable carries handlers installed before the copy
	// WHY: init() relocates after the boot image is populated; nothing may be lost

	c := New(16_000_000)
	ran := 0
	c.InstallVector(VecSysTick, func() { ran++ })

	c.RelocateVectorTable()
	if !c.VectorTableInRAM() {
		t.Fatal("VTOR should point at the RAM table after relocation")
	}

	c.SysTickEnable()
	c.TickOnce()
	if ran != 1 {
		t.Errorf("Boot-image handler should survive relocation, ran=%d", ran)
	}
}

func TestVectorTable_InstallAfterRelocationLandsInRAM(t *testing.T) {
	// WHAT: Post-relocation installs are live at delivery time
	// WHY: Aperiodic registration writes the RAM table

	c := New(16_000_000)
	c.RelocateVectorTable()

	ran := 0
	c.InstallVector(40, func() { ran++ })
	c.EnableIRQ(40)
	c.TriggerIRQ(40)
	if ran != 1 {
		t.Errorf("RAM-table handler should deliver, ran=%d", ran)
	}
}

func TestVectorTable_NilSlotDeliveryIsNoOp(t *testing.T) {
	// WHAT: Delivering to an unpopulated slot does nothing
	// WHY: The model rejects-and-continues; it never faults

	c := New(16_000_000)
	c.EnableIRQ(10)
	c.TriggerIRQ(10) // must not panic
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 3. NVIC ENABLE / TRIGGER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestNVIC_DisabledTriggerDropped(t *testing.T) {
	// WHAT: TriggerIRQ on a disabled vector neither runs nor latches
	// WHY: A signal that never reaches the core leaves no trace

	c := New(16_000_000)
	ran := 0
	c.InstallVector(33, func() { ran++ })
	c.TriggerIRQ(33)
	if ran != 0 {
		t.Errorf("Disabled vector must not deliver, ran=%d", ran)
	}

	c.EnableIRQ(33)
	c.TriggerIRQ(33)
	if ran != 1 {
		t.Errorf("Enabled vector delivers, ran=%d", ran)
	}
}

func TestNVIC_EnableBitBoundaries(t *testing.T) {
	// WHAT: Enable bits at both ends of the bitmap bank
	// WHY: Vector 154 lives in the fifth word; off-by-one would clip it

	c := New(16_000_000)
	for _, vec := range []int32{0, 31, 32, 154} {
		if c.IRQEnabled(vec) {
			t.Errorf("Vector %d should start disabled", vec)
		}
		c.EnableIRQ(vec)
		if !c.IRQEnabled(vec) {
			t.Errorf("Vector %d should enable", vec)
		}
		c.DisableIRQ(vec)
		if c.IRQEnabled(vec) {
			t.Errorf("Vector %d should disable", vec)
		}
	}
}

func TestNVIC_DisableKeepsLatchedPend(t *testing.T) {
	// WHAT: Disabling after a pend latched does not clear the pend
	// WHY: ICPR, not ICER, clears pends in the real part

	c := New(16_000_000)
	ran := 0
	c.InstallVector(50, func() { ran++ })
	c.EnableIRQ(50)

	prev := c.StartCritical()
	c.TriggerIRQ(50)
	c.DisableIRQ(50)
	c.EndCritical(prev)

	if ran != 1 {
		t.Errorf("Latched pend should still deliver, ran=%d", ran)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 4. ARBITRATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestArbitration_PriorityOrder(t *testing.T) {
	// WHAT: Two pends latched under mask deliver most-urgent first
	// WHY: Priority 0 is highest; the kernel's whole discipline rests on this

	c := New(16_000_000)
	var order []int32
	c.InstallVector(40, func() { order = append(order, 40) })
	c.InstallVector(41, func() { order = append(order, 41) })
	c.EnableIRQ(40)
	c.EnableIRQ(41)
	c.SetPriority(40, 5)
	c.SetPriority(41, 1)

	prev := c.StartCritical()
	c.TriggerIRQ(40)
	c.TriggerIRQ(41)
	c.EndCritical(prev)

	if len(order) != 2 || order[0] != 41 || order[1] != 40 {
		t.Errorf("Expected delivery order [41 40], got %v", order)
	}
}

func TestArbitration_TieBreaksOnLowerVector(t *testing.T) {
	// WHAT: Equal priority resolves to the lower exception number
	// WHY: PendSV (14) must win over SysTick (15) at the shared lowest level

	c := New(16_000_000)
	var order []int32
	c.InstallVector(VecPendSV, func() { order = append(order, VecPendSV) })
	c.InstallVector(VecSysTick, func() { order = append(order, VecSysTick) })
	c.SetSystemPriority(VecPendSV, LowestPriority)
	c.SetSystemPriority(VecSysTick, LowestPriority)
	c.SysTickEnable()

	prev := c.StartCritical()
	c.TickOnce()
	c.PendSV()
	c.EndCritical(prev)

	if len(order) != 2 || order[0] != VecPendSV || order[1] != VecSysTick {
		t.Errorf("Expected delivery order [14 15], got %v", order)
	}
}

func TestArbitration_TailChainsPendFromHandler(t *testing.T) {
	// WHAT: A pend raised while a handler runs delivers right after it returns
	// WHY: The tick handler pends PendSV from inside its own delivery

	c := New(16_000_000)
	var order []string
	c.InstallVector(VecPendSV, func() { order = append(order, "pendsv") })
	c.InstallVector(VecSysTick, func() {
		order = append(order, "tick")
		c.PendSV()
	})
	c.SysTickEnable()

	c.TickOnce()

	if len(order) != 2 || order[0] != "tick" || order[1] != "pendsv" {
		t.Errorf("Expected [tick pendsv], got %v", order)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 5. SYSTEM PRIORITY REGISTER
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSHPR3_FieldLayout(t *testing.T) {
	// WHAT: SetSystemPriority mirrors into SHPR3 bit fields
	// WHY: PendSV occupies bits 21-23, SysTick bits 29-31; a port reuses the layout

	c := New(16_000_000)
	c.SetSystemPriority(VecPendSV, LowestPriority)
	c.SetSystemPriority(VecSysTick, LowestPriority)

	want := uint32(LowestPriority)<<21 | uint32(LowestPriority)<<29
	if c.SHPR3() != want {
		t.Errorf("SHPR3 = 0x%08X, want 0x%08X", c.SHPR3(), want)
	}
	if c.Priority(VecPendSV) != LowestPriority || c.Priority(VecSysTick) != LowestPriority {
		t.Error("Flat priority table should mirror the register write")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// 6. SYSTICK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func TestSysTick_DisabledExpiryIgnored(t *testing.T) {
	// WHAT: TickOnce with the timer off delivers nothing
	// WHY: Ticks start at launch, not at reset

	c := New(16_000_000)
	ran := 0
	c.InstallVector(VecSysTick, func() { ran++ })
	c.TickOnce()
	if ran != 0 {
		t.Errorf("Disabled SysTick must not fire, ran=%d", ran)
	}
}

func TestSysTick_TickNDeliversN(t *testing.T) {
	// WHAT: Tick(n) is n expiries
	// WHY: Suites advance modeled time in bulk

	c := New(16_000_000)
	ran := 0
	c.InstallVector(VecSysTick, func() { ran++ })
	c.SysTickEnable()
	c.Tick(10)
	if ran != 10 {
		t.Errorf("Expected 10 deliveries, got %d", ran)
	}
}

func TestSysTick_ReloadHoldsConfiguredRate(t *testing.T) {
	// WHAT: SysTickConfig stores the divider
	// WHY: coreclock/1000 is the observable 1 kHz contract

	c := New(16_000_000)
	c.SysTickConfig(c.ClockHz / 1000)
	if c.SysTick.Reload != 16_000 {
		t.Errorf("Reload = %d, want 16000", c.SysTick.Reload)
	}
}
