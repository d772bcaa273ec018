package runtime

// callJIT runs the translated function at entry on the guest context at ctx and returns its exit
// reason and next guest PC.
//
//go:noescape
func callJIT(entry, ctx uintptr) (reason, next uint64)

// x86 keeps instruction fetch coherent with stores.
func flushICache(addr, n uintptr) {}
