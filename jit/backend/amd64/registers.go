package amd64

// X86Reg is an x86-64 register with its encoding bits.
type X86Reg struct {
	Name    string
	RegBits byte // 3-bit code for ModRM/SIB
	REXBit  byte // 1 if register index >= 8
}

// Num is the 4-bit register number used by the allocator.
func (r X86Reg) Num() int { return int(r.REXBit<<3 | r.RegBits) }

var (
	RAX = X86Reg{"rax", 0, 0} // scratch, exit reason
	RCX = X86Reg{"rcx", 1, 0} // scratch, shift counts
	RDX = X86Reg{"rdx", 2, 0} // scratch, mul/div high half, next pc
	RBX = X86Reg{"rbx", 3, 0} // page flags
	RSP = X86Reg{"rsp", 4, 0}
	RBP = X86Reg{"rbp", 5, 0}
	RSI = X86Reg{"rsi", 6, 0} // guest memory base
	RDI = X86Reg{"rdi", 7, 0} // guest context
	R8  = X86Reg{"r8", 0, 1}
	R9  = X86Reg{"r9", 1, 1}
	R10 = X86Reg{"r10", 2, 1}
	R11 = X86Reg{"r11", 3, 1} // scratch, constants
	R12 = X86Reg{"r12", 4, 1}
	R13 = X86Reg{"r13", 5, 1}
	R14 = X86Reg{"r14", 6, 1}
	R15 = X86Reg{"r15", 7, 1}
)

var gprs = [16]X86Reg{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15}

// Fixed roles.
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRSI = 6
	regRDI = 7
	regR11 = 11

	ctxReg   = regRDI
	memReg   = regRSI
	flagsReg = regRBX

	// xmm14 and xmm15 are never allocated
	xmmScratch  = 15
	xmmScratch2 = 14
)

// allocatable registers in preference order
var (
	allocGPR = []int{R8.Num(), R9.Num(), R10.Num(), R12.Num(), R13.Num(), R14.Num(), R15.Num()}
	allocXMM = []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}

	// callee-saved registers the prologue pushes, in push order
	savedGPR = []X86Reg{RBX, RBP, R12, R13, R14, R15}
)
