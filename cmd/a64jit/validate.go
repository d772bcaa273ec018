package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/colorfulnotion/a64jit/jit/guest"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/jit/sandbox"
	"github.com/colorfulnotion/a64jit/jit/trace"
	"github.com/colorfulnotion/a64jit/log"
	"github.com/spf13/cobra"
)

func (a *app) validateCmd() *cobra.Command {
	var reference string
	var compact bool
	var memDiffs int
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run a program on the engine and on a reference and report the first difference",
		Long: `With --reference trace (the default) the program runs to completion on the configured
target and on the interpreter, both tracing every dispatch, and the traces are compared.
Any other reference name cross-checks each run between syscalls against that reference.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reference == "trace" {
				return a.validateTraces(cmd, compact)
			}
			return a.validateReference(cmd, reference, memDiffs)
		},
	}
	a.src.register(cmd)
	cmd.Flags().StringVar(&reference, "reference", "trace", fmt.Sprintf("trace or one of %v", sandbox.Names()))
	cmd.Flags().BoolVar(&compact, "compact", false, "show only the differing fields")
	cmd.Flags().IntVar(&memDiffs, "mem-diffs", 16, "memory differences to report")
	return cmd
}

// traced runs the program to completion with a full trace.
func (a *app) traced(ctx context.Context, mut func(*runtime.Config)) ([]trace.Record, int, error) {
	var buf bytes.Buffer
	tw := trace.NewWriter(&buf, true)
	s, err := a.open(mut, func(rc *runtime.Config) { rc.Tracer = tw })
	if err != nil {
		return nil, 0, err
	}
	defer s.Close()
	code, runErr := s.system(nil, io.Discard, io.Discard).Execute(ctx, s.engine, s.g)
	if err := tw.Flush(); err != nil {
		return nil, 0, err
	}
	recs, err := trace.Read(&buf)
	if err != nil {
		return nil, 0, err
	}
	if runErr != nil {
		log.Info(log.CLI, "run stopped", "target", s.engine.TargetName(), "err", runErr)
	}
	return recs, code, nil
}

func (a *app) validateTraces(cmd *cobra.Command, compact bool) error {
	got, code, err := a.traced(cmd.Context(), func(*runtime.Config) {})
	if err != nil {
		return err
	}
	want, refCode, err := a.traced(cmd.Context(), func(rc *runtime.Config) { rc.Target = runtime.Interp })
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	i, diverged := trace.FirstDivergence(want, got)
	if !diverged && code == refCode {
		fmt.Fprintf(out, "traces agree: %d dispatches, exit code %d\n", len(got), code)
		return nil
	}
	if !diverged {
		return fmt.Errorf("traces agree but exit codes differ: %d vs %d", code, refCode)
	}
	if i >= len(want) || i >= len(got) {
		return fmt.Errorf("traces diverge at dispatch %d: lengths %d (interp) and %d", i, len(want), len(got))
	}
	text, _, err := trace.Diff(want[i], got[i], compact)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "first divergence at dispatch %d (pc %s)\n%s\n", i, want[i].PC, text)
	return fmt.Errorf("traces diverge")
}

// validateReference cross-checks every engine run between syscalls. The reference restarts
// from the engine's state each time, so a difference is reported where it first appears.
func (a *app) validateReference(cmd *cobra.Command, name string, memDiffs int) error {
	ref, err := sandbox.Open(name)
	if err != nil {
		return err
	}
	defer ref.Close()
	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.Close()
	sys := s.system(nil, io.Discard, io.Discard)
	out := cmd.OutOrStdout()
	for runs := 1; ; runs++ {
		r, err := sandbox.Check(cmd.Context(), s.engine, ref, s.g, sandbox.Options{Budget: a.cfg.Budget, MemoryDiffs: memDiffs})
		if err != nil {
			return err
		}
		if !r.OK() {
			fmt.Fprintf(out, "run %d: engine %s, %s %s\n", runs, r.Exit, r.Reference, r.RefExit)
			for _, d := range r.Diffs {
				fmt.Fprintln(out, " ", d.String())
			}
			return fmt.Errorf("%d differences against %s", len(r.Diffs), r.Reference)
		}
		if r.Err != "" {
			fmt.Fprintf(out, "%d runs agree, both stopped with: %s\n", runs, r.Err)
			return nil
		}
		if r.Exit.Reason != guest.ExitSyscall {
			fmt.Fprintf(out, "%d runs agree, both stopped at %s\n", runs, r.Exit)
			return nil
		}
		done, err := sys.Service(s.g, r.Exit)
		if err != nil {
			return err
		}
		if done {
			fmt.Fprintf(out, "%d runs agree, guest exited with %d\n", runs, sys.Code)
			return nil
		}
	}
}
