package ir

import (
	"fmt"
	"strings"
)

func (o Operand) String() string {
	switch o.Kind {
	case KindVReg:
		return fmt.Sprintf("v%d", o.Value)
	case KindConst:
		return fmt.Sprintf("0x%x", o.Value)
	case KindMem:
		base := Operand{Kind: o.BaseKind, Type: I64, Value: o.Base}
		switch {
		case o.Disp > 0:
			return fmt.Sprintf("[%s+0x%x]", base, o.Disp)
		case o.Disp < 0:
			return fmt.Sprintf("[%s-0x%x]", base, -o.Disp)
		}
		return fmt.Sprintf("[%s]", base)
	case KindLabel:
		return fmt.Sprintf("b%d", o.Value)
	case KindGuest:
		return o.Slot().String()
	case KindPReg:
		if o.Type == V128 {
			return fmt.Sprintf("%%v%d", o.Value)
		}
		return fmt.Sprintf("%%r%d", o.Value)
	case KindSpill:
		return fmt.Sprintf("spill%d", o.Value)
	}
	return "_"
}

func (op *Op) String() string {
	var sb strings.Builder
	if op.Dst.Kind == KindVReg || op.Dst.Kind == KindPReg || op.Dst.Kind == KindSpill {
		fmt.Fprintf(&sb, "%s:%s = ", op.Dst, op.Dst.Type)
	}
	if op.Code == OpIntrinsic {
		sb.WriteString(op.Intr.String())
	} else {
		sb.WriteString(op.Code.String())
	}
	args := op.Args
	if op.Code == OpStoreGuest {
		args = append([]Operand{op.Dst}, args...)
	}
	for i, a := range args {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	return sb.String()
}

// FormatBlock renders one block header and its ops.
func FormatBlock(b *Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "b%d @0x%x..0x%x", b.ID, b.PC, b.End)
	if len(b.Succs) > 0 {
		sb.WriteString(" ->")
		for _, s := range b.Succs {
			fmt.Fprintf(&sb, " b%d", s)
		}
	}
	sb.WriteByte('\n')
	for _, op := range b.Ops {
		sb.WriteString("  ")
		sb.WriteString(op.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Format renders f as text, one op per line.
func Format(f *Func) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func 0x%x (%d blocks, %d vregs)\n", f.Entry, len(f.Blocks), f.NumVRegs())
	for _, b := range f.Blocks {
		sb.WriteString(FormatBlock(b))
	}
	return sb.String()
}
