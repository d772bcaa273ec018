package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/colorfulnotion/a64jit/jit/ptc"
	"github.com/spf13/cobra"
)

func (a *app) ptcCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ptc",
		Short: "Inspect the persistent translation cache",
	}
	var target string
	openStore := func() (*ptc.Store, error) {
		if a.cfg.PTCPath == "" {
			return nil, fmt.Errorf("no cache directory, set --ptc or A64JIT_PTC")
		}
		return ptc.Open(a.cfg.PTCPath)
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached translations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			entries, err := st.Entries(target)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "target\tentry\tfingerprint\tbytes\tinsts")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t0x%x\t%s\t%d\t%d\n", e.Target, e.Entry, e.Fingerprint, e.Size, e.Insts)
			}
			return tw.Flush()
		},
	}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached translations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			n, err := st.Purge(target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&target, "for", "", "only this target (default: all)")
	cmd.AddCommand(list, purge)
	return cmd
}
