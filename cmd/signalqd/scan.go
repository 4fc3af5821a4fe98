package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DarlingtonDeveloper/signalq/leakguard"
)

var errMessageBlocked = errors.New("message blocked")

func scanCmd(configPath *string) *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "scan <text>",
		Short: "Check a message against the leakage guard",
		Long: `Scan runs the leakage guard on the given text and prints the verdict.
The exit status is non-zero when the message would be blocked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if rulesFile != "" {
				cfg.Guard.RulesFile = rulesFile
			}
			// Only the verdict goes to stdout.
			cfg.Log.Level = "error"
			setupLogging(cfg.Log)

			guard, err := loadGuard(cfg.Guard, nil, cfg.Source)
			if err != nil {
				return err
			}
			res := guard.Scan(cmd.Context(), strings.Join(args, " "), "cli", "")
			printVerdict(cmd.OutOrStdout(), res)
			if !res.IsSafe {
				return errMessageBlocked
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rules file to use instead of the configured one")
	return cmd
}

func printVerdict(w io.Writer, res leakguard.Result) {
	if res.IsSafe {
		fmt.Fprintln(w, color.New(color.FgHiGreen, color.Bold).Sprint("SAFE"))
		return
	}
	fmt.Fprintf(w, "%s %s\n",
		color.New(color.FgRed, color.Bold).Sprint("BLOCKED"),
		color.New(color.FgYellow).Sprintf("[%s]", res.Reason),
	)
	fmt.Fprintln(w, res.Warning)
}
