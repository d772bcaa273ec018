package runtime

// callJIT runs the translated function at entry on the guest context at ctx and returns its exit
// reason and next guest PC.
//
//go:noescape
func callJIT(entry, ctx uintptr) (reason, next uint64)

// flushICache makes freshly written code at [addr, addr+n) visible to instruction fetch.
//
//go:noescape
func flushICache(addr, n uintptr)
