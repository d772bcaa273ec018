package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/colorfulnotion/a64jit/jit/backend"
	"github.com/colorfulnotion/a64jit/jit/performance"
	"github.com/colorfulnotion/a64jit/jit/runtime"
	"github.com/spf13/cobra"
)

func (a *app) benchCmd() *cobra.Command {
	var opts performance.Options
	var output string
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Compile a program's functions for several targets and compare the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			opts.Engine = a.cfg.Engine()
			results, err := performance.Run(cmd.Context(), s.mem, s.img.Entry, opts)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "target\tfunctions\tfailed\tguest insts\tcode bytes\tbytes/inst\tcompile\t")
			for _, sum := range performance.Summarize(results) {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f\t%s\t\n", sum.Target, sum.Functions, sum.Failed,
					sum.GuestInsts, sum.CodeSize, sum.BytesPerInst(), sum.CompileTime)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if output == "" {
				return nil
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := performance.RenderReport(f, results); err != nil {
				f.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", output)
			return f.Close()
		},
	}
	a.src.register(cmd)
	targets := append([]string{runtime.Interp}, backend.Names()...)
	cmd.Flags().StringSliceVar(&opts.Targets, "targets", targets, "targets to compile for")
	cmd.Flags().IntVar(&opts.MaxFunctions, "functions", 64, "functions to discover from the entry")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent compiles per target")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write an HTML report")
	return cmd
}
