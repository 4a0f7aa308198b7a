package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/proctor/internal/report"
	"github.com/fakeyudi/proctor/internal/session"
	"github.com/fakeyudi/proctor/internal/tui"
)

var plainOutput bool

var viewCmd = &cobra.Command{
	Use:   "view <file>",
	Short: "View an exam report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		r, err := report.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return err
		}

		if plainOutput || !term.IsTerminal(os.Stdout.Fd()) {
			printReport(cmd, r)
			return nil
		}
		return tui.RunViewer(r, path)
	},
}

// printReport writes a plain-text summary to the command's output.
func printReport(cmd *cobra.Command, r *report.Report) {
	out := r.Outcome
	cmd.Println("## Summary")
	cmd.Printf("  Session:   %s\n", r.Session.ID)
	cmd.Printf("  Status:    %s\n", out.Status)
	cmd.Printf("  Started:   %s\n", r.Session.ServerStartTime.Format("2006-01-02 15:04:05 MST"))
	cmd.Printf("  Ended:     %s\n", out.SubmittedAt.Format("2006-01-02 15:04:05 MST"))
	cmd.Printf("  Duration:  %s\n", r.Session.Duration)
	if !r.Session.Authoritative {
		cmd.Println("  Clock:     local (not authoritative)")
	}
	if out.TerminationReason != "" {
		cmd.Printf("  Reason:    %s\n", out.TerminationReason)
	}
	cmd.Println()

	cmd.Println("## Warning Counters")
	for _, c := range session.Categories {
		ctr := out.Counters[c]
		if ctr.Limit == 0 {
			cmd.Printf("  %-17s off\n", c)
			continue
		}
		cmd.Printf("  %-17s %d/%d\n", c, ctr.Count, ctr.Limit)
	}
	cmd.Println()

	cmd.Println("## Violations")
	if len(out.Events) == 0 {
		cmd.Println("  (none)")
	}
	for _, e := range out.Events {
		cmd.Printf("  [%s] %s %s %d/%d  %s\n", e.At.Format("15:04:05"), e.Category, e.Decision, e.Count, e.Limit, e.Detail)
	}
}

func init() {
	viewCmd.Flags().BoolVar(&plainOutput, "plain", false, "plain text output instead of TUI")
	rootCmd.AddCommand(viewCmd)
}
