package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <source> <export> [args...]",
	Short: "Load a module and call one export",
	Long: `Load a module, call one of its exports and print the results.

Arguments are parsed according to the export's parameter types:
  wasmload run ./math.wasm add 1 2
  wasmload run https://example.com/math.wasm div 20 2
  cat math.wasm | wasmload run - add 0x10 1`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := readSource(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), a.cfg.Timeout)
	defer cancel()

	s := a.ctrl.Start(ctx, src, a.imports)
	defer s.Close()

	st, err := s.Wait(ctx)
	if err != nil {
		return err
	}
	if st.Err != nil {
		return st.Err
	}

	out, err := invoke(ctx, st.Data.Instance, args[1], args[2:])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, " "))
	return nil
}
