//go:build !amd64 && !arm64

package runtime

func callJIT(entry, ctx uintptr) (reason, next uint64) {
	panic("runtime: native code on unsupported architecture")
}

func flushICache(addr, n uintptr) {}
