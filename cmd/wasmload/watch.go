package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/wasmload/loader"
	"github.com/caffeineduck/wasmload/session"
	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch <file> <export> [args...]",
	Short: "Reload a module file on every change and call an export",
	Long: `Keep a session on a local module file. Every time the file is written
its bytes are read again and supplied to the session, which compiles and
instantiates the new module. Each settled state is printed together with
the result of calling the export. Stop with Ctrl+C.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return watchFile(commandContext(cmd), a, args[0], args[1], args[2:], cmd.OutOrStdout())
}

func watchFile(ctx context.Context, a *app, path, export string, args []string, out io.Writer) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()
	// editors often replace the file, so watch the directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}

	s := a.ctrl.Start(ctx, loader.Source{Buffer: data}, a.imports)
	defer s.Close()

	states := make(chan session.State, 16)
	done := make(chan struct{})
	unsubscribe := s.Subscribe(func(st session.State) {
		if !st.Settled() {
			return
		}
		select {
		case states <- st:
		case <-done:
		}
	})
	defer unsubscribe()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-states:
			if st.Data != nil && s.State().Data != st.Data {
				// replaced by a later change; its instance is already closed
				continue
			}
			reportState(ctx, a, st, export, args, out)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				a.logger.Warn("re-read module", zap.String("path", abs), zap.Error(err))
				continue
			}
			a.logger.Debug("module changed", zap.String("path", abs), zap.Int("size", len(data)))
			s.Update(loader.Source{Buffer: data}, a.imports)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func reportState(ctx context.Context, a *app, st session.State, export string, args []string, out io.Writer) {
	if st.Err != nil {
		fmt.Fprintf(out, "%s %v\n", color.RedString("error:"), st.Err)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	res, err := invoke(callCtx, st.Data.Instance, export, args)
	if err != nil {
		fmt.Fprintf(out, "%s %s: %v\n", color.YellowString("loaded"), export, err)
		return
	}
	fmt.Fprintf(out, "%s %s = %s\n", color.GreenString("loaded"), export, strings.Join(res, " "))
}
