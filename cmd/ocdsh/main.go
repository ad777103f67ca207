package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/bingosuite/bingo-ocd/internal/logger"
	"github.com/bingosuite/bingo-ocd/internal/prompt"
	"github.com/bingosuite/bingo-ocd/internal/shell"
	"github.com/bingosuite/bingo-ocd/pkg/openocd"
	"github.com/bingosuite/bingo-ocd/pkg/tcl"
)

const historyFile = ".ocdsh_history"

func newRootCmd(log *logger.Logger) *cobra.Command {
	var (
		host       string
		port       int
		timeout    time.Duration
		capture    bool
		minVersion string
	)

	cmd := &cobra.Command{
		Use:          "ocdsh",
		Short:        "ocdsh - interactive shell for the OpenOCD TCL server",
		Long:         `ocdsh sends TCL commands to a running OpenOCD instance and prints their output and return codes.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := tcl.NewClient(host, port,
				tcl.WithLogger(log.WithName("TCL")),
				tcl.WithDefaultTimeout(timeout),
			)

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			s.Suffix = fmt.Sprintf(" Connecting to OpenOCD at %s:%d...", host, port)
			s.Start()
			err := client.Connect()
			s.Stop()
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			ocd := openocd.New(client)
			if minVersion != "" {
				if err := ocd.RequireVersion(minVersion); err != nil {
					return err
				}
			}
			if version, err := ocd.Version(); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Connected to %s\n", version)
			}

			editor := prompt.New(historyFile)
			defer func() {
				_ = editor.Close()
			}()
			editor.SetCompleter(shell.Completions())

			return shell.New(client, cmd.OutOrStdout(), capture).Run(editor)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&host, "host", tcl.DefaultHost, "OpenOCD host")
	fs.IntVar(&port, "port", tcl.DefaultPort, "OpenOCD TCL port")
	fs.DurationVar(&timeout, "timeout", tcl.DefaultTimeout, "default command timeout")
	fs.BoolVar(&capture, "capture", false, "capture log output of commands")
	fs.StringVar(&minVersion, "require-version", "", "fail unless OpenOCD satisfies this version constraint, e.g. '>= 0.12.0'")
	log.AddLevelFlag(cmd.PersistentFlags())

	return cmd
}

func main() {
	log := logger.New("ocdsh")
	_ = log.SetLevelString("error")
	defer log.Flush()

	if err := newRootCmd(log).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Flush()
		os.Exit(1)
	}
}
