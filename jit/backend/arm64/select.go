package arm64

import (
	"github.com/colorfulnotion/a64jit/jit/ir"
	"golang.org/x/sys/cpu"
)

// Features are the optional extensions the selector may use. Advanced SIMD is baseline.
type Features struct {
	AES bool
}

// HostFeatures reports what the running CPU supports. Off an arm64 host every field is false.
func HostFeatures() Features {
	return Features{AES: cpu.ARM64.HasAES}
}

func AllFeatures() Features { return Features{AES: true} }

// Selector maps guest vector operations 1:1 onto the same NEON instructions, declining the
// crypto extension when the host lacks it.
type Selector struct {
	Features Features
}

func (s Selector) Namespace() ir.Namespace { return ir.NamespaceArm64 }

func (s Selector) LowerVec(b *ir.Builder, op ir.VecOp, v ir.Variant, args []ir.Operand) (ir.Operand, bool) {
	switch op {
	case ir.VecAese, ir.VecAesd, ir.VecAesmc, ir.VecAesimc:
		if !s.Features.AES {
			return ir.None, false
		}
	}
	return ir.Arm64Selector{}.LowerVec(b, op, v, args)
}
