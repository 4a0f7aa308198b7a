package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/proctor/internal/detect"
	"github.com/fakeyudi/proctor/internal/lockdown"
	"github.com/fakeyudi/proctor/internal/logging"
	"github.com/fakeyudi/proctor/internal/policy"
	"github.com/fakeyudi/proctor/internal/report"
	"github.com/fakeyudi/proctor/internal/sensor"
	"github.com/fakeyudi/proctor/internal/session"
	"github.com/fakeyudi/proctor/internal/timer"
	"github.com/fakeyudi/proctor/internal/tui"
)

var (
	startBootstrap string
	startSignals   string
	startModel     string
	startFormat    string
	startOutputDir string
	startPlain     bool
	startReplay    bool
)

// ttyScreen treats the alternate-screen terminal monitor as the fullscreen
// surface. Without a terminal there is nothing to lock.
type ttyScreen struct{}

func (ttyScreen) EnterFullscreen() error {
	if !term.IsTerminal(os.Stdin.Fd()) || !term.IsTerminal(os.Stdout.Fd()) {
		return errors.New("not attached to a terminal (use --plain when the host enforces fullscreen)")
	}
	return nil
}

func (ttyScreen) ExitFullscreen() error { return nil }

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Enter lockdown and run an exam session",
	Long: `Start (or resume) a proctored exam session.

The session is described by a bootstrap file (YAML or JSON). Host signals
are read from a JSON-lines feed that the host appends to while the exam
runs. When the session ends a report is written to the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		store, err := session.NewSessionStore()
		if err != nil {
			return err
		}
		sess, boot, resumed, err := openSession(store)
		if err != nil {
			return err
		}

		format, err := report.ParseFormat(firstNonEmpty(startFormat, cfg.DefaultFormat))
		if err != nil {
			return err
		}
		outputDir := firstNonEmpty(startOutputDir, cfg.OutputDir, ".")
		signalsPath, err := feedPath(startSignals)
		if err != nil {
			return err
		}

		log := logger
		if !startPlain && cfg.LogPath == "" {
			// The monitor owns the terminal; keep log lines out of it.
			dir, err := session.DataDir()
			if err != nil {
				return err
			}
			if log, err = newLogger(filepath.Join(dir, "proctor.log")); err != nil {
				return err
			}
			defer log.Sync()
		}
		log = logging.ForSession(log, sess.ID())

		clock := timer.NewServerClock(nil)
		if boot != nil {
			if serverNow, ok := boot.ServerTime(); ok {
				clock.Sync(serverNow, time.Now())
				log.Info("clock synchronised with server", zap.Duration("offset", clock.Offset()))
			}
		}

		threshold, sampleEvery := cfg.ConfidenceThreshold, cfg.SampleEvery()
		if boot != nil && boot.Detection != nil {
			if boot.Detection.ConfidenceThreshold > 0 {
				threshold = boot.Detection.ConfidenceThreshold
			}
			if d, err := time.ParseDuration(boot.Detection.SampleInterval); err == nil && d > 0 {
				sampleEvery = d
			}
		}

		var worker lockdown.Detector
		modelPath := firstNonEmpty(startModel, cfg.ModelPath)
		if modelPath != "" {
			worker = detect.NewWorker(detect.ManifestLoader(modelPath), modelPath, detect.Options{ConfidenceThreshold: threshold}, log)
		} else {
			log.Warn("no detection model configured")
		}

		var screen lockdown.Screen = ttyScreen{}
		if startPlain {
			screen = lockdown.NopScreen{}
		}

		var (
			reportPath string
			outcome    *lockdown.Submission
		)
		engine := policy.New(func(s *session.ExamSession, d policy.Decision, detail string) {
			if d.Kind == policy.Ignored {
				return
			}
			log.Info("violation", zap.String("decision", d.String()), zap.String("detail", detail))
			if startPlain {
				cmd.Printf("%s: %s\n", d, detail)
			}
		})
		ctrl, err := lockdown.New(lockdown.Options{
			Session:            sess,
			Engine:             engine,
			Worker:             worker,
			Screen:             screen,
			Source:             sensor.NewFeedSource(signalsPath, startReplay, log),
			Clock:              clock,
			Store:              store,
			Logger:             log,
			SampleInterval:     sampleEvery,
			TickInterval:       cfg.TickEvery(),
			AudioThreshold:     cfg.AudioCutoff(),
			ProhibitedLabels:   cfg.ProhibitedLabels,
			MaxPersons:         cfg.PersonLimit(),
			ModelFailurePolicy: cfg.ModelFailurePolicy,
			OnTerminate: func(reason string) {
				cmd.PrintErrf("Exam terminated: %s\n", reason)
			},
			OnSubmit: func(sub lockdown.Submission) {
				outcome = &sub
				path, err := report.Write(outputDir, format, report.New(sess.Snapshot(), sub, modelPath))
				if err != nil {
					log.Error("writing report failed", zap.Error(err))
					return
				}
				reportPath = path
			},
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var limits session.Limits
		if boot != nil {
			limits = boot.WarningLimits.Limits()
		}
		if err := ctrl.EnterLockdown(ctx, limits); err != nil {
			ctrl.ExitLockdown()
			return err
		}
		defer ctrl.ExitLockdown()

		if resumed {
			cmd.Printf("Resumed session %s.\n", sess.ID())
		} else {
			cmd.Printf("Session %s started.\n", sess.ID())
		}
		if !ctrl.Authoritative() {
			cmd.PrintErrln("warning: no server start time; countdown uses the local clock")
		}
		cmd.Printf("Reading signals from %s\n", signalsPath)

		runDone := make(chan error, 1)
		go func() { runDone <- ctrl.Run(ctx) }()

		if startPlain {
			waitPlain(ctx, cmd, ctrl)
		} else if err := tui.RunMonitor(ctrl); err != nil {
			return err
		}
		ctrl.ExitLockdown()
		if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		if outcome == nil {
			cmd.Printf("Lockdown released. Session %s is still active; run 'proctor start' to resume.\n", sess.ID())
			return nil
		}
		cmd.Printf("Exam %s.\n", outcome.Status)
		if reportPath != "" {
			cmd.Printf("Report: %s\n", reportPath)
		}
		return nil
	},
}

// openSession resumes the stored session when it is still active, otherwise
// builds a new one from the bootstrap file.
func openSession(store session.SessionStore) (*session.ExamSession, *session.Bootstrap, bool, error) {
	var boot *session.Bootstrap
	if startBootstrap != "" {
		b, err := session.LoadBootstrap(startBootstrap)
		if err != nil {
			return nil, nil, false, err
		}
		boot = b
	}

	snap, err := store.Load()
	switch {
	case errors.Is(err, session.ErrNoSession):
	case err != nil:
		return nil, nil, false, err
	case snap.Status == session.StatusActive:
		if boot != nil && boot.SessionID != "" && boot.SessionID != snap.ID {
			return nil, nil, false, fmt.Errorf("session already in progress (%s started at %s)", snap.ID, snap.ServerStartTime.Format(time.RFC3339))
		}
		return session.Restore(snap), boot, true, nil
	}

	if boot == nil {
		return nil, nil, false, errors.New("no session to resume: --bootstrap is required")
	}
	if err == nil && snap.Status.Terminal() {
		if err := store.Archive(); err != nil {
			return nil, nil, false, err
		}
	}
	return boot.NewSession(time.Now()), boot, false, nil
}

// waitPlain prints a status line now and then until the exam ends.
func waitPlain(ctx context.Context, cmd *cobra.Command, ctrl *lockdown.Controller) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ctrl.Done():
			return
		case <-ticker.C:
			cmd.Printf("%s remaining\n", time.Duration(ctrl.RemainingSeconds())*time.Second)
		}
	}
}

func feedPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	dir, err := session.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "signals.jsonl"), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	startCmd.Flags().StringVarP(&startBootstrap, "bootstrap", "b", "", "session bootstrap file (YAML or JSON)")
	startCmd.Flags().StringVar(&startSignals, "signals", "", "signal feed file (default $XDG_DATA_HOME/proctor/signals.jsonl)")
	startCmd.Flags().StringVar(&startModel, "model", "", "detection model manifest (overrides config)")
	startCmd.Flags().StringVar(&startFormat, "format", "", "report format: markdown or json (overrides config)")
	startCmd.Flags().StringVarP(&startOutputDir, "output-dir", "o", "", "report directory (overrides config)")
	startCmd.Flags().BoolVar(&startPlain, "plain", false, "no terminal monitor; the host enforces fullscreen")
	startCmd.Flags().BoolVar(&startReplay, "replay", false, "read the signal feed from the beginning")
	rootCmd.AddCommand(startCmd)
}
