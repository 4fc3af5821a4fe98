package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/DarlingtonDeveloper/signalq"
)

func queueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the local signal queue",
		Long: `Inspect or edit the local queue directly. The daemon must be stopped
when the storage driver is badger, which locks its directory.`,
	}
	cmd.AddCommand(queueListCmd(configPath))
	cmd.AddCommand(queueDropCmd(configPath))
	return cmd
}

// openLocalNode opens the configured store for offline inspection. The node
// has no repository and never flushes.
func openLocalNode(configPath string) (*signalq.Node, func(), error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.Level = "warn"
	setupLogging(cfg.Log)

	kv, err := openKV(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	node := signalq.NewNode(signalq.NewQueueStore(kv, cfg.Queue.Key), nil, nil, signalq.DefaultNodeOptions())
	return node, func() { kv.Close() }, nil
}

func queueListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending signals in flush order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, closeFn, err := openLocalNode(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			signals, err := node.Pending(cmd.Context())
			if err != nil {
				return err
			}
			printSignals(cmd.OutOrStdout(), signals, time.Now())
			return nil
		},
	}
}

func queueDropCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <signal-id>",
		Short: "Remove a signal without replaying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, closeFn, err := openLocalNode(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := node.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
			return nil
		},
	}
}

func printSignals(out io.Writer, signals []signalq.Signal, now time.Time) {
	if len(signals) == 0 {
		fmt.Fprintln(out, "queue is empty")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMETHOD\tRETRIES\tAGE\tPARAMS")
	for _, s := range signals {
		retries := fmt.Sprint(s.Retries)
		if s.Retries > 0 {
			retries = color.New(color.FgYellow).Sprint(retries)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Method,
			retries,
			now.Sub(s.Timestamp).Truncate(time.Second),
			truncate(string(s.Params), 60),
		)
	}
	w.Flush()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
