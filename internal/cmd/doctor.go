package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/doctor"
)

var doctorSkipIngest bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, keys, SQLite, profiles, ingest)",
	Long:  "Verifies the data directory is writable, the signing key is set, the audit and dead-letter databases are usable, filter profiles parse, and the ingest port is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "doctor")
		defer span.End()

		report := doctor.Run(ctx, doctor.Options{SkipIngest: doctorSkipIngest})
		renderDoctorReport(os.Stdout, report)

		if report.Status == "fail" {
			return fmt.Errorf("preflight checks failed")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorSkipIngest, "skip-ingest", false, "skip ingest connectivity check")
	rootCmd.AddCommand(doctorCmd)
}

// renderDoctorReport writes check lines and the summary to w (testable).
func renderDoctorReport(w io.Writer, report *doctor.Report) {
	for _, c := range report.Checks {
		mark := "✓"
		switch c.Status {
		case "warn":
			mark = "⚠"
		case "fail":
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", mark, c.Name, c.Message)
		if c.Fix != "" && c.Status != "pass" {
			fmt.Fprintf(w, "  fix: %s\n", c.Fix)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failures\n",
		report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
}
