// Package console is an interactive JavaScript shell over one engine and guest context. 64-bit
// values cross into JavaScript as hex strings; functions taking addresses or values accept
// numbers or strings in any base strconv understands.
package console

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/colorfulnotion/a64jit/guestos"
	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/dop251/goja"
)

type Console struct {
	vm  *goja.Runtime
	e   *runtime.Engine
	g   *guest.Context
	sys *guestos.OS
	out io.Writer
	ctx context.Context
}

func New(ctx context.Context, e *runtime.Engine, g *guest.Context, sys *guestos.OS, out io.Writer) (*Console, error) {
	c := &Console{vm: goja.New(), e: e, g: g, sys: sys, out: out, ctx: ctx}
	c.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := c.vm.Set("print", c.print); err != nil {
		return nil, err
	}
	jit := c.vm.NewObject()
	for name, fn := range map[string]interface{}{
		"run":       c.run,
		"step":      c.step,
		"reg":       c.reg,
		"setReg":    c.setReg,
		"pc":        func() string { return hex64(c.g.PC()) },
		"setPC":     c.setPC,
		"sp":        func() string { return hex64(c.g.SP()) },
		"state":     func() guest.State { return c.g.Snapshot() },
		"read":      c.read,
		"write":     c.write,
		"disasm":    c.disasm,
		"ir":        c.ir,
		"functions": c.functions,
		"stats":     func() runtime.Stats { return c.e.Stats() },
		"flush":     func() { c.e.Cache().Flush() },
		"target":    func() string { return c.e.TargetName() },
	} {
		if err := jit.Set(name, fn); err != nil {
			return nil, err
		}
	}
	if err := c.vm.Set("jit", jit); err != nil {
		return nil, err
	}
	return c, nil
}

// Eval runs src and renders its value.
func (c *Console) Eval(src string) (string, error) {
	v, err := c.vm.RunString(src)
	if err != nil {
		return "", err
	}
	if v == nil || goja.IsUndefined(v) {
		return "", nil
	}
	return v.String(), nil
}

// Interactive reads lines until EOF or "exit", evaluating each.
func (c *Console) Interactive(historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "a64jit> ",
		HistoryFile: historyFile,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	fmt.Fprintf(c.out, "a64jit console, target %s. Type exit to quit.\n", c.e.TargetName())
	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "exit" {
			return nil
		}
		if line == "" {
			continue
		}
		res, err := c.Eval(line)
		if err != nil {
			fmt.Fprintln(c.out, "error:", err)
			continue
		}
		if res != "" {
			fmt.Fprintln(c.out, res)
		}
	}
}

func (c *Console) print(args ...goja.Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	fmt.Fprintln(c.out, strings.Join(parts, " "))
}

func hex64(v uint64) string { return fmt.Sprintf("0x%x", v) }

func toU64(v goja.Value) (uint64, error) {
	switch x := v.Export().(type) {
	case string:
		return strconv.ParseUint(x, 0, 64)
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("%d is negative", x)
		}
		return uint64(x), nil
	case float64:
		if x < 0 || x != float64(uint64(x)) {
			return 0, fmt.Errorf("%v is not an unsigned integer", x)
		}
		return uint64(x), nil
	}
	return 0, fmt.Errorf("cannot use %v as a 64-bit value", v)
}

type exitInfo struct {
	Reason string `json:"reason"`
	PC     string `json:"pc"`
	Exited bool   `json:"exited"`
	Code   int    `json:"code"`
}

// run executes until a break, a fault or the guest exits, servicing syscalls when an OS is set.
func (c *Console) run() (exitInfo, error) {
	for {
		exit, err := c.e.Run(c.ctx, c.g)
		if err != nil {
			return exitInfo{}, err
		}
		info := exitInfo{Reason: exit.Reason.String(), PC: hex64(exit.PC)}
		if exit.Reason != guest.ExitSyscall || c.sys == nil {
			return info, nil
		}
		done, err := c.sys.Service(c.g, exit)
		if err != nil {
			return exitInfo{}, err
		}
		if done {
			info.Exited, info.Code = true, c.sys.Code
			return info, nil
		}
	}
}

func (c *Console) step() (exitInfo, error) {
	exit, err := c.e.Step(c.ctx, c.g)
	if err != nil {
		return exitInfo{}, err
	}
	return exitInfo{Reason: exit.Reason.String(), PC: hex64(exit.PC)}, nil
}

func (c *Console) reg(i int) (string, error) {
	if i < 0 || i >= guest.NumX {
		return "", fmt.Errorf("no register x%d", i)
	}
	return hex64(c.g.X(i)), nil
}

func (c *Console) setReg(i int, v goja.Value) error {
	if i < 0 || i >= guest.NumX {
		return fmt.Errorf("no register x%d", i)
	}
	x, err := toU64(v)
	if err != nil {
		return err
	}
	c.g.SetX(i, x)
	return nil
}

func (c *Console) setPC(v goja.Value) error {
	x, err := toU64(v)
	if err != nil {
		return err
	}
	c.g.SetPC(x)
	return nil
}

func (c *Console) read(addr goja.Value, n int) (string, error) {
	a, err := toU64(addr)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if err := c.e.Memory().Read(a, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// write stores hex-encoded bytes through the tracked path, so overlapping translations go.
func (c *Console) write(addr goja.Value, data string) error {
	a, err := toU64(addr)
	if err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return err
	}
	return c.e.Memory().Write(a, b)
}

func (c *Console) disasm(addr goja.Value, n int) (string, error) {
	a, err := toU64(addr)
	if err != nil {
		return "", err
	}
	return decoder.Disassemble(c.e.Memory(), a, n)
}

func (c *Console) ir(addr goja.Value) (string, error) {
	a, err := toU64(addr)
	if err != nil {
		return "", err
	}
	fn, err := c.e.Compile(c.ctx, a)
	if err != nil {
		return "", err
	}
	return ir.Format(fn.IR), nil
}

type fnInfo struct {
	PC     string `json:"pc"`
	Blocks int    `json:"blocks"`
	Insts  int    `json:"insts"`
	Bytes  int    `json:"bytes"`
	Target string `json:"target"`
}

func (c *Console) functions() []fnInfo {
	fs := c.e.Cache().Functions()
	out := make([]fnInfo, len(fs))
	for i, f := range fs {
		out[i] = fnInfo{PC: hex64(f.PC), Blocks: f.Meta.Blocks, Insts: f.Meta.Insts, Bytes: f.Meta.CodeSize, Target: f.Target}
	}
	return out
}
