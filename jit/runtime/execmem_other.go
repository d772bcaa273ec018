//go:build !linux || !(amd64 || arm64)

package runtime

import (
	"fmt"
	goruntime "runtime"

	"github.com/colorfulnotion/a64jit/jiterrors"
)

const nativeSupported = false

type execMemory struct{}

func newExecMemory() *execMemory { return &execMemory{} }

func (m *execMemory) install(code []byte) (uintptr, error) {
	return 0, fmt.Errorf("%w: %s/%s", jiterrors.ErrNativeUnavailable, goruntime.GOOS, goruntime.GOARCH)
}

func (m *execMemory) size() int { return 0 }

func (m *execMemory) release() error { return nil }
