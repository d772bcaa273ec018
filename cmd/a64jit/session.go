package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/colorfulnotion/a64jit/guestos"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ptc"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/loader"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/colorfulnotion/a64jit/memory"
	"github.com/spf13/cobra"
)

// sourceFlags select the guest program: exactly one of a demo, an ELF file or a raw blob.
type sourceFlags struct {
	demo  string
	elf   string
	raw   string
	base  string
	entry string
	stack uint64
}

func (s *sourceFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&s.demo, "demo", "", fmt.Sprintf("built-in program %v", loader.Demos()))
	f.StringVar(&s.elf, "elf", "", "static AArch64 ELF executable")
	f.StringVar(&s.raw, "raw", "", "raw code blob")
	f.StringVar(&s.base, "base", "0x10000", "load address of --raw")
	f.StringVar(&s.entry, "entry", "", "override the entry point")
	f.Uint64Var(&s.stack, "stack", loader.DefaultStackSize, "stack size in bytes")
}

func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

func (s *sourceFlags) image() (loader.Image, error) {
	var img loader.Image
	var err error
	switch n := btoi(s.demo != "") + btoi(s.elf != "") + btoi(s.raw != ""); {
	case n == 0:
		return img, fmt.Errorf("choose a program with --demo, --elf or --raw")
	case n > 1:
		return img, fmt.Errorf("--demo, --elf and --raw are exclusive")
	}
	switch {
	case s.demo != "":
		img, err = loader.Demo(s.demo)
	case s.elf != "":
		var data []byte
		if data, err = os.ReadFile(s.elf); err == nil {
			img, err = loader.ReadELF(s.elf, bytes.NewReader(data))
		}
	default:
		var data []byte
		var base uint64
		if data, err = os.ReadFile(s.raw); err != nil {
			return img, err
		}
		if base, err = parseAddr(s.base); err != nil {
			return img, err
		}
		img = loader.Raw(s.raw, data, base)
	}
	if err != nil {
		return img, err
	}
	if s.entry != "" {
		if img.Entry, err = parseAddr(s.entry); err != nil {
			return img, err
		}
	}
	return img, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// session is one loaded program with its engine.
type session struct {
	img    loader.Image
	mem    *memory.AddressSpace
	g      *guest.Context
	engine *runtime.Engine
	store  *ptc.Store
}

// open loads the program and builds an engine; mut adjusts the engine settings.
func (a *app) open(mut ...func(*runtime.Config)) (*session, error) {
	img, err := a.src.image()
	if err != nil {
		return nil, err
	}
	s := &session{img: img}
	if s.mem, err = memory.New(memory.Config{AddressBits: a.cfg.AddressBits}); err != nil {
		return nil, err
	}
	if s.g, err = loader.Load(s.mem, img, a.src.stack); err != nil {
		s.Close()
		return nil, err
	}
	rc := a.cfg.Engine()
	if a.cfg.PTCPath != "" {
		if s.store, err = ptc.Open(a.cfg.PTCPath); err != nil {
			s.Close()
			return nil, err
		}
		rc.Store = s.store
	}
	for _, m := range mut {
		m(&rc)
	}
	if s.engine, err = runtime.New(s.mem, rc); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// system returns the syscall layer for the session's guest with the heap placed after the image.
func (s *session) system(stdin io.Reader, stdout, stderr io.Writer) *guestos.OS {
	sys := guestos.New(s.mem, stdout, stderr)
	sys.Stdin = stdin
	sys.SetBreak(s.img.Break())
	return sys
}

func (s *session) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.store != nil {
		hits, misses := s.store.Stats()
		log.Debug(log.CLI, "ptc", "hits", hits, "misses", misses)
		s.store.Close()
	}
	if s.mem != nil {
		s.mem.Close()
	}
}
