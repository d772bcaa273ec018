package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/colorfulnotion/a64jit/common"
	"github.com/colorfulnotion/a64jit/guestos"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/colorfulnotion/a64jit/jit/trace"
	"github.com/colorfulnotion/a64jit/jiterrors"
	"github.com/spf13/cobra"
)

func (a *app) runCmd() *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a guest program, servicing its syscalls",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tw *trace.Writer
			var traceFile *os.File
			if a.cfg.TracePath != "" {
				f, err := os.Create(a.cfg.TracePath)
				if err != nil {
					return err
				}
				defer f.Close()
				traceFile = f
				tw = trace.NewWriter(f, a.cfg.FullTrace)
			}
			s, err := a.open(func(rc *runtime.Config) {
				if tw != nil {
					rc.Tracer = tw
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			sys := s.system(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
			start := time.Now()
			code, runErr := sys.Execute(cmd.Context(), s.engine, s.g)
			elapsed := time.Since(start)
			if tw != nil {
				if err := tw.Flush(); err != nil {
					return err
				}
				if err := traceFile.Sync(); err != nil {
					return err
				}
			}
			if stats {
				st := s.engine.Stats()
				out, _ := json.MarshalIndent(st, "", "  ")
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\nelapsed %s, %.1f Minst/s\n", out, elapsed, float64(st.Insts)/elapsed.Seconds()/1e6)
			}
			if runErr != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), common.Colorize(common.ColorYellow, s.g.Snapshot().String()))
				if jiterrors.IsGuestFault(runErr) || errors.Is(runErr, guestos.ErrBreak) {
					return fmt.Errorf("guest stopped: %w", runErr)
				}
				return runErr
			}
			if code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	a.src.register(cmd)
	cmd.Flags().StringVar(&a.cfg.TracePath, "trace", a.cfg.TracePath, "write a JSONL dispatch trace")
	cmd.Flags().BoolVar(&a.cfg.FullTrace, "full-trace", a.cfg.FullTrace, "include the full register state in the trace")
	cmd.Flags().BoolVar(&stats, "stats", false, "print engine statistics")
	return cmd
}
