package decoder

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Disassemble renders n guest instructions starting at addr in GNU syntax. Words arm64asm
// cannot decode print as ".inst".
func Disassemble(src Source, addr uint64, n int) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4)
	for i := 0; i < n; i++ {
		pc := addr + uint64(i)*4
		if err := src.Fetch(pc, buf); err != nil {
			if i == 0 {
				return "", err
			}
			break
		}
		fmt.Fprintf(&sb, "0x%08x  %08x  %s\n", pc, binary.LittleEndian.Uint32(buf), DisassembleWord(buf))
	}
	return sb.String(), nil
}

// DisassembleWord renders one little-endian instruction word.
func DisassembleWord(word []byte) string {
	inst, err := arm64asm.Decode(word)
	if err != nil {
		return fmt.Sprintf(".inst %#08x", binary.LittleEndian.Uint32(word))
	}
	return arm64asm.GNUSyntax(inst)
}
