package main

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/caffeineduck/wasmload/loader"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <source>...",
	Short: "Print the imports and exports of modules",
	Long: `Compile each source without instantiating it and print what the module
imports and exports. Sources are processed concurrently; the output keeps
the argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "Sources compiled at once")
	rootCmd.AddCommand(inspectCmd)
}

type inspection struct {
	source  string
	imports []loader.FunctionDef
	exports []loader.FunctionDef
	err     error
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, _ := cmd.Flags().GetInt("jobs")
	ctx, cancel := context.WithTimeout(commandContext(cmd), a.cfg.Timeout)
	defer cancel()

	results := make([]inspection, len(args))
	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, arg := range args {
		g.Go(func() error {
			results[i] = inspectSource(ctx, cmd, a, arg)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
		}
		printInspection(cmd.OutOrStdout(), r)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sources failed", failed, len(args))
	}
	return nil
}

func inspectSource(ctx context.Context, cmd *cobra.Command, a *app, arg string) inspection {
	r := inspection{source: arg}
	src, err := readSource(cmd, arg)
	if err != nil {
		r.err = err
		return r
	}

	mod, err := a.loader.Compile(ctx, src)
	if err != nil {
		r.err = err
		return r
	}
	defer mod.Close(context.Background())

	r.imports = mod.ImportedFunctions()
	r.exports = mod.ExportedFunctions()
	return r
}

func printInspection(w io.Writer, r inspection) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintln(w, bold(r.source))
	if r.err != nil {
		fmt.Fprintf(w, "  %s %v\n", color.RedString("error:"), r.err)
		return
	}
	for _, def := range r.imports {
		fmt.Fprintf(w, "  import %s\n", def)
	}
	for _, def := range r.exports {
		fmt.Fprintf(w, "  export %s\n", def)
	}
}
