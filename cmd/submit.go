package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/proctor/internal/session"
)

var submitSignals string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit the running exam",
	Long: `Append a submit signal to the feed of the running exam session.

The session ends through the same path as a timeout or a breach, and the
running 'proctor start' writes the report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := session.NewSessionStore()
		if err != nil {
			return err
		}
		snap, err := store.Load()
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				return fmt.Errorf("no active session")
			}
			return err
		}
		if snap.Status != session.StatusActive {
			return fmt.Errorf("session %s is %s", snap.ID, snap.Status)
		}

		path, err := feedPath(submitSignals)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening signal feed: %w", err)
		}
		defer f.Close()
		line := fmt.Sprintf(`{"kind":"submit","at":%q}`+"\n", time.Now().UTC().Format(time.RFC3339))
		if _, err := f.WriteString(line); err != nil {
			return fmt.Errorf("writing signal feed: %w", err)
		}

		cmd.Printf("Submit requested for session %s.\n", snap.ID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitSignals, "signals", "", "signal feed file (default $XDG_DATA_HOME/proctor/signals.jsonl)")
	rootCmd.AddCommand(submitCmd)
}
