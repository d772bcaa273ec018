package arm64

// Fixed roles. Only caller-saved registers are used, so the prologue saves nothing.
const (
	ctxReg   = 0 // guest context; exit reason on return
	memReg   = 1 // guest memory base; next pc on return
	flagsReg = 2 // page flag table

	scratch0 = 15
	scratch1 = 16 // guest address during memory access
	scratch2 = 17

	vScratch0 = 30
	vScratch1 = 31
)

// allocatable registers in preference order
var (
	allocGPR = []int{3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	allocVec = []int{0, 1, 2, 3, 4, 5, 6, 7, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29}
)
