package main

import (
	"os"
	"path/filepath"

	"github.com/colorfulnotion/a64jit/console"
	"github.com/spf13/cobra"
)

func (a *app) consoleCmd() *cobra.Command {
	var history string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Drive the engine from an interactive JavaScript console",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			sys := s.system(nil, cmd.OutOrStdout(), cmd.ErrOrStderr())
			c, err := console.New(cmd.Context(), s.engine, s.g, sys, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return c.Interactive(history)
		},
	}
	a.src.register(cmd)
	cmd.Flags().StringVar(&history, "history", filepath.Join(os.TempDir(), "a64jit_console_history.txt"), "readline history file")
	return cmd
}
