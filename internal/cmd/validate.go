package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/egress"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an egress filter profile",
	Long:  "Parses a per-app filter profile YAML and checks it against the profile schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		if validateFile == "" {
			return fmt.Errorf("no profile file given; use --file")
		}

		data, err := os.ReadFile(validateFile)
		if err != nil {
			return fmt.Errorf("reading profile: %w", err)
		}
		p, err := egress.ParseProfile(data)
		if err != nil {
			log.Error().Err(err).Str("file", validateFile).Msg("profile validation failed")
			fmt.Fprintf(os.Stderr, "✗ Validation failed: %s\n", validateFile)
			return fmt.Errorf("validation failed: %w", err)
		}

		fmt.Printf("✓ Profile valid: %s\n", validateFile)
		fmt.Printf("  App: %s\n", p.AppID)
		fmt.Printf("  Event types: %d allowed\n", len(p.AllowedEventTypes))
		if p.PIIHandling != "" {
			fmt.Printf("  PII handling: %s\n", p.PIIHandling)
		}
		if p.RateLimit.EventsPerMinute > 0 {
			fmt.Printf("  Rate limit: %d/min (burst %d)\n", p.RateLimit.EventsPerMinute, p.RateLimit.BurstLimit)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "profile file to validate")
}
