package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fakeyudi/proctor/internal/detect"
)

var labelsAll bool

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List the detection labels and how they are treated",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		allowed := make(map[string]bool, len(detect.DefaultAllowList))
		for _, l := range detect.DefaultAllowList {
			allowed[l] = true
		}
		prohibited := make(map[string]bool, len(cfg.ProhibitedLabels))
		for _, l := range cfg.ProhibitedLabels {
			prohibited[l] = true
		}

		for i, l := range detect.Labels() {
			mark := ""
			switch {
			case prohibited[l] && allowed[l]:
				mark = "prohibited"
			case prohibited[l]:
				mark = "prohibited (not detected: outside allow-list)"
			case allowed[l]:
				mark = "detected"
			case !labelsAll:
				continue
			}
			cmd.Printf("%2d  %-16s %s\n", i, l, mark)
		}
		if n := cfg.PersonLimit(); n > 0 {
			cmd.Printf("\nmore than %d person(s) in frame counts as a prohibited object\n", n)
		}
		return nil
	},
}

func init() {
	labelsCmd.Flags().BoolVarP(&labelsAll, "all", "a", false, "include labels the detector ignores")
	rootCmd.AddCommand(labelsCmd)
}
