package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/colorfulnotion/a64jit/memory"
)

// ReadELF reads the loadable segments of a static little-endian AArch64 ELF64 executable.
func ReadELF(name string, r io.ReaderAt) (Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Image{}, err
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_AARCH64 {
		return Image{}, fmt.Errorf("%s: not a little-endian AArch64 ELF64 (%v %v %v)", name, f.Class, f.Data, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return Image{}, fmt.Errorf("%s: only static executables are supported, got %v", name, f.Type)
	}
	img := Image{Name: name, Entry: f.Entry}
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
		case elf.PT_INTERP, elf.PT_DYNAMIC:
			return Image{}, fmt.Errorf("%s: dynamically linked", name)
		default:
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return Image{}, fmt.Errorf("%s: segment 0x%x: %w", name, p.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{Addr: p.Vaddr, Data: data, Size: p.Memsz, Perm: elfPerm(p.Flags)})
	}
	if len(img.Segments) == 0 {
		return Image{}, fmt.Errorf("%s: no loadable segments", name)
	}
	return img, nil
}

func elfPerm(f elf.ProgFlag) memory.Perm {
	var p memory.Perm
	if f&elf.PF_R != 0 {
		p |= memory.PermRead
	}
	if f&elf.PF_W != 0 {
		p |= memory.PermWrite
	}
	if f&elf.PF_X != 0 {
		p |= memory.PermExec
	}
	return p
}
