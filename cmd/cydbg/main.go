// The cydbg command is an interactive, source-less debugger for x86-64
// Linux ELF executables. Run "cydbg <program> [args...]" to spawn
// program under ptrace and drive it from the "cydbg> " prompt; see
// internal/repl for the command table.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cydbg/cydbg/internal/repl"
	"github.com/cydbg/cydbg/internal/session"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:                   "cydbg <program> [args...]",
		Short:                 "interactive source-less debugger for x86-64 Linux ELF executables",
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagParsing:    true,
		SilenceUsage:          true,
		SilenceErrors:         false,
		RunE: func(cmd *cobra.Command, args []string) error {
			// DisableFlagParsing is set so the tracee's own flags pass
			// through untouched; pull cydbg's one flag out by hand,
			// mirroring cmd/viewcore/main.go's split between its own
			// flags and the positional command/file arguments.
			programArgs := args
			if len(programArgs) > 0 && (programArgs[0] == "-v" || programArgs[0] == "--verbose") {
				verbose = true
				programArgs = programArgs[1:]
			}
			if len(programArgs) == 0 {
				return fmt.Errorf("no program specified")
			}
			return run(programArgs[0], programArgs[1:], verbose)
		},
	}
	return cmd
}

func run(path string, args []string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sess, err := session.New(path, args, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}
	defer sess.Close()

	if _, err := sess.Spawn(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return err
	}

	repl.New(sess, os.Stdin, os.Stdout, log).Run()
	return nil
}
