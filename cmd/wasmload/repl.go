package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/wasmload/session"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl <source>",
	Short: "Interactive session over a module",
	Long: `Start an interactive session over a module source.

Commands:
  call <export> [args...]   call an export of the current instance
  load <source>             switch to another source (unchanged URLs are not reloaded)
  state                     show whether the session is loading, failed or loaded
  exports                   list the exports of the current instance
  exit, quit                leave (or press Ctrl+D)

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.wasmload_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".wasmload_history")
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := readSource(cmd, args[0])
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	s := a.ctrl.Start(ctx, src, a.imports)
	defer s.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "wasm> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdout:            cmd.OutOrStdout(),
		Stderr:            cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "wasmload REPL on %s (type 'exit' to quit, Ctrl+D to exit)\n", args[0])

	r := &repl{app: a, cmd: cmd, session: s, out: cmd.OutOrStdout()}
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if r.eval(ctx, line) {
			return nil
		}
	}
}

type repl struct {
	app     *app
	cmd     *cobra.Command
	session *session.Session
	out     io.Writer
}

// eval runs one line. It returns true when the user asked to quit.
func (r *repl) eval(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "exit", "quit":
		return true
	case "call":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: call <export> [args...]")
			return false
		}
		r.call(ctx, fields[1], fields[2:])
	case "load":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: load <source>")
			return false
		}
		src, err := readSource(r.cmd, fields[1])
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return false
		}
		if r.session.Update(src, r.app.imports) {
			fmt.Fprintln(r.out, "loading")
		} else {
			fmt.Fprintln(r.out, "unchanged")
		}
	case "state":
		fmt.Fprintln(r.out, describeState(r.session.State()))
	case "exports":
		st, ok := r.settled(ctx)
		if !ok {
			return false
		}
		for _, def := range st.Data.Instance.ExportedFunctions() {
			fmt.Fprintln(r.out, def)
		}
	default:
		fmt.Fprintf(r.out, "unknown command %q (try call, load, state, exports, exit)\n", fields[0])
	}
	return false
}

func (r *repl) call(ctx context.Context, name string, args []string) {
	st, ok := r.settled(ctx)
	if !ok {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, r.app.cfg.Timeout)
	defer cancel()
	out, err := invoke(callCtx, st.Data.Instance, name, args)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, strings.Join(out, " "))
}

// settled waits for the current run and reports whether an instance is
// available.
func (r *repl) settled(ctx context.Context) (session.State, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, r.app.cfg.Timeout)
	defer cancel()
	st, err := r.session.Wait(waitCtx)
	if err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return st, false
	}
	if st.Err != nil {
		fmt.Fprintf(r.out, "Error: %v\n", st.Err)
		return st, false
	}
	return st, true
}

func describeState(st session.State) string {
	switch {
	case st.Loading:
		return "loading"
	case st.Err != nil:
		return "failed: " + st.Err.Error()
	default:
		return fmt.Sprintf("loaded (%d exports)", len(st.Data.Instance.ExportedFunctions()))
	}
}
