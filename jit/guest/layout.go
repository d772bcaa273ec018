// Package guest describes the emulated AArch64 register file and its in-memory layout, which
// native code addresses directly through the context pointer.
package guest

import "fmt"

// Context layout. Offsets are ABI shared by the emitters, the interpreter and the trampolines.
const (
	NumX = 31

	OffX0        = 0
	OffSP        = 248
	OffPC        = 256
	OffN         = 264
	OffZ         = 272
	OffC         = 280
	OffV         = 288
	OffMemBase   = 296
	OffPageFlags = 304
	OffExitInfo  = 312
	OffSpill     = 320

	// A block of MaxBlockInsts guest instructions keeps at most every guest register plus a
	// few temporaries live, so both areas hold more than NumX and NumVReg values.
	NumSpillSlots    = 64
	OffVecSpill      = OffSpill + NumSpillSlots*8 // 832
	NumVecSpillSlots = 64
	OffVReg          = OffVecSpill + NumVecSpillSlots*16 // 1856
	NumVReg          = 32

	ContextSize = OffVReg + NumVReg*16 // 2368
)

// Slot names one architectural register cell in the context.
type Slot uint16

const (
	SlotSP Slot = 31
	SlotPC Slot = 32
	SlotN  Slot = 33
	SlotZ  Slot = 34
	SlotC  Slot = 35
	SlotV  Slot = 36

	// SlotExitInfo carries the SVC/BRK immediate out of native code.
	SlotExitInfo Slot = 37

	slotVRegBase Slot = 64
)

func SlotX(i int) Slot { return Slot(i) }

func SlotVReg(i int) Slot { return slotVRegBase + Slot(i) }

// IsVector reports whether the slot is one of V0..V31.
func (s Slot) IsVector() bool { return s >= slotVRegBase && s < slotVRegBase+NumVReg }

func (s Slot) Valid() bool { return s <= SlotExitInfo || s.IsVector() }

// Offset is the byte offset of the slot in the context.
func (s Slot) Offset() int {
	switch {
	case s < 31:
		return OffX0 + int(s)*8
	case s == SlotSP:
		return OffSP
	case s == SlotPC:
		return OffPC
	case s == SlotN:
		return OffN
	case s == SlotZ:
		return OffZ
	case s == SlotC:
		return OffC
	case s == SlotV:
		return OffV
	case s == SlotExitInfo:
		return OffExitInfo
	case s.IsVector():
		return OffVReg + int(s-slotVRegBase)*16
	}
	panic(fmt.Sprintf("guest: invalid slot %d", s))
}

func (s Slot) String() string {
	switch {
	case s < 31:
		return fmt.Sprintf("x%d", s)
	case s == SlotSP:
		return "sp"
	case s == SlotPC:
		return "pc"
	case s == SlotN:
		return "n"
	case s == SlotZ:
		return "z"
	case s == SlotC:
		return "c"
	case s == SlotV:
		return "v"
	case s == SlotExitInfo:
		return "exitinfo"
	case s.IsVector():
		return fmt.Sprintf("q%d", s-slotVRegBase)
	}
	return fmt.Sprintf("slot%d", s)
}

// SpillOffset is the context offset of general spill slot i.
func SpillOffset(i int) int { return OffSpill + i*8 }

// VecSpillOffset is the context offset of vector spill slot i.
func VecSpillOffset(i int) int { return OffVecSpill + i*16 }

// Exit reasons returned by native code alongside the next guest PC.
type ExitReason uint64

const (
	ExitBranch    ExitReason = 1 // continue at next PC
	ExitSlowPath  ExitReason = 2 // interpret the instruction at next PC, then continue
	ExitSyscall   ExitReason = 3 // SVC; next PC is the instruction after it
	ExitBreak     ExitReason = 4 // BRK; next PC is the BRK itself
	ExitUndefined ExitReason = 5 // undefined instruction at next PC
)

func (r ExitReason) String() string {
	switch r {
	case ExitBranch:
		return "branch"
	case ExitSlowPath:
		return "slowpath"
	case ExitSyscall:
		return "syscall"
	case ExitBreak:
		return "break"
	case ExitUndefined:
		return "undefined"
	}
	return fmt.Sprintf("exit(%d)", uint64(r))
}

// Exit is how a translated function or the interpreter hands control back to the dispatcher.
// For syscalls and breaks the instruction immediate is in SlotExitInfo.
type Exit struct {
	Reason ExitReason `json:"reason"`
	PC     uint64     `json:"pc"`
}

func (e Exit) String() string { return fmt.Sprintf("%s@0x%x", e.Reason, e.PC) }
