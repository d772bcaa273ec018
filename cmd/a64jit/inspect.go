package main

import (
	"fmt"
	"os"

	"github.com/colorfulnotion/a64jit/jit/decoder"
	"github.com/colorfulnotion/a64jit/jit/ir"
	"github.com/colorfulnotion/a64jit/jit/performance"
	"github.com/spf13/cobra"
)

// entryAddr parses an --at flag, defaulting to the program entry.
func entryAddr(s *session, flag string) (uint64, error) {
	if flag == "" {
		return s.img.Entry, nil
	}
	return parseAddr(flag)
}

func (a *app) irCmd() *cobra.Command {
	var at string
	var tree bool
	cmd := &cobra.Command{
		Use:   "ir",
		Short: "Print the optimized IR of the function at an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			pc, err := entryAddr(s, at)
			if err != nil {
				return err
			}
			fn, err := s.engine.Compile(cmd.Context(), pc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if tree {
				fmt.Fprintln(out, performance.Tree(fn.IR).String())
				return nil
			}
			fmt.Fprintf(out, "; %s, %d blocks, %d guest insts, compiled in %s\n", fn.String(), fn.Meta.Blocks, fn.Meta.Insts, fn.Meta.CompileTime)
			fmt.Fprint(out, ir.Format(fn.IR))
			return nil
		},
	}
	a.src.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "function entry (default: program entry)")
	cmd.Flags().BoolVar(&tree, "tree", false, "print the control flow as a tree")
	return cmd
}

func (a *app) disasmCmd() *cobra.Command {
	var at string
	var n int
	var host bool
	cmd := &cobra.Command{
		Use:   "disasm",
		Short: "Disassemble guest code, or the host code emitted for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			pc, err := entryAddr(s, at)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !host {
				text, err := decoder.Disassemble(s.mem, pc, n)
				if err != nil {
					return err
				}
				fmt.Fprint(out, text)
				return nil
			}
			fn, err := s.engine.Compile(cmd.Context(), pc)
			if err != nil {
				return err
			}
			if fn.Code == nil {
				return fmt.Errorf("target %s emits no code", s.engine.TargetName())
			}
			fmt.Fprintf(out, "; %s, %d bytes\n", fn.String(), fn.Code.Size())
			fmt.Fprint(out, s.engine.Target().Disassemble(fn.Code.Bytes))
			return nil
		},
	}
	a.src.register(cmd)
	cmd.Flags().StringVar(&at, "at", "", "start address (default: program entry)")
	cmd.Flags().IntVarP(&n, "count", "n", 32, "guest instructions")
	cmd.Flags().BoolVar(&host, "host", false, "show the emitted host code of the function instead")
	return cmd
}

func (a *app) graphCmd() *cobra.Command {
	var at []string
	var output string
	var follow int
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render control flow graphs as an HTML page",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			var pcs []uint64
			for _, x := range at {
				pc, err := parseAddr(x)
				if err != nil {
					return err
				}
				pcs = append(pcs, pc)
			}
			if len(pcs) == 0 {
				if pcs, err = performance.Discover(cmd.Context(), s.engine, s.img.Entry, follow); err != nil {
					return err
				}
			}
			var fs []*ir.Func
			for _, pc := range pcs {
				fn, err := s.engine.Compile(cmd.Context(), pc)
				if err != nil {
					return err
				}
				fs = append(fs, fn.IR)
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := performance.RenderGraphs(f, fs...); err != nil {
				f.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d graphs to %s\n", len(fs), output)
			return f.Close()
		},
	}
	a.src.register(cmd)
	cmd.Flags().StringSliceVar(&at, "at", nil, "function entries (default: discovered from the program entry)")
	cmd.Flags().IntVar(&follow, "functions", 16, "functions to discover when --at is not given")
	cmd.Flags().StringVarP(&output, "output", "o", "cfg.html", "output file")
	return cmd
}
