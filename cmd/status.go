package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/proctor/internal/session"
	"github.com/fakeyudi/proctor/internal/timer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current exam session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := session.NewSessionStore()
		if err != nil {
			return err
		}

		snap, err := store.Load()
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				cmd.Println("no active session")
				return nil
			}
			return err
		}

		s := session.Restore(snap)
		cmd.Printf("Session: %s\n", s.ID())
		cmd.Printf("Status: %s\n", s.Status())
		cmd.Printf("Started: %s\n", s.ServerStartTime().Format(time.RFC3339))
		if s.Status() == session.StatusActive {
			left := timer.New(s, nil).RemainingSeconds(time.Now())
			cmd.Printf("Remaining: %s\n", time.Duration(left)*time.Second)
		}
		if !s.Authoritative() {
			cmd.Println("Clock: local (not authoritative)")
		}
		for _, c := range session.Categories {
			ctr, _ := s.Counter(c)
			if ctr.Limit == 0 {
				cmd.Printf("%s: off\n", c)
				continue
			}
			cmd.Printf("%s: %d/%d\n", c, ctr.Count, ctr.Limit)
		}
		if r := s.TerminationReason(); r != "" {
			cmd.Printf("Reason: %s\n", r)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
