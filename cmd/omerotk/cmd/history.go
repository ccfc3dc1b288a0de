package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/histo-tools/omerotk/pkg/config"
	"github.com/histo-tools/omerotk/pkg/history"
	"github.com/spf13/cobra"
)

type historyOptions struct {
	runID string
	limit int
}

var historyOpts historyOptions

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded transfers",
	Long:  `Show the transfers recorded in history_db, either for one run (--run) or the most recent ones.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustLoadSettings()
		if err := runHistory(s, historyOpts, cmd.OutOrStdout()); err != nil {
			log.Fatalf("history: %s", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyOpts.runID, "run", "", "Run id to show")
	historyCmd.Flags().IntVar(&historyOpts.limit, "limit", history.DefaultListLimit, "Number of recent transfers to show")
}

func runHistory(s *config.Settings, opts historyOptions, w io.Writer) error {
	if err := s.ValidateForHistory(); err != nil {
		return err
	}

	store, err := openHistory(s)
	if err != nil {
		return err
	}

	var records []history.TransferRecord
	if opts.runID != "" {
		records, err = store.ListRun(opts.runID)
	} else {
		records, err = store.ListRecent(opts.limit)
	}

	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WHEN\tRUN\tDIRECTION\tCONTAINER\tNAME\tSTATUS\tBYTES\tREASON")
	for _, r := range records {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%d\t%s\t%s\t%d\t%s\n",
			r.CreatedAt.Format("2006-01-02 15:04:05"), r.RunID, r.Direction, r.ContainerKind, r.ContainerID,
			r.Name, r.Status, r.Size, r.Reason)
	}

	return tw.Flush()
}
