package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Warden configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		renderConfig(os.Stdout, cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// renderConfig writes the resolved config to w, never the signing key itself.
func renderConfig(w io.Writer, cfg *config.Config) {
	signingKey := "set"
	if cfg.UsingDefaultSigningKey() {
		signingKey = "derived default (set WARDEN_SIGNING_KEY)"
	}
	fmt.Fprintf(w, "data_dir:              %s\n", cfg.DataDir)
	fmt.Fprintf(w, "listen_addr:           %s\n", cfg.ListenAddr)
	fmt.Fprintf(w, "ingest_base_url:       %s\n", cfg.IngestBaseURL)
	fmt.Fprintf(w, "profile_dir:           %s\n", cfg.ProfileDir)
	fmt.Fprintf(w, "signing_key:           %s\n", signingKey)
	fmt.Fprintf(w, "injection_threshold:   %d\n", cfg.InjectionThreshold)
	fmt.Fprintf(w, "delivery_max_attempts: %d\n", cfg.DeliveryMaxAttempts)
	fmt.Fprintf(w, "delivery_base_delay:   %s\n", cfg.DeliveryBaseDelay)
	fmt.Fprintf(w, "delivery_max_delay:    %s\n", cfg.DeliveryMaxDelay)
}
