package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/config"
)

var (
	auditTenant    string
	auditEventType string
	auditLimit     int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the risk event trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List risk events",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [event-id]",
	Short: "Verify HMAC signature of a risk event",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditTenant, "tenant", "", "Filter by tenant ID")
	auditListCmd.Flags().StringVar(&auditEventType, "type", "", "Filter by event type (injection_attempt, execution_blocked, ...)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "Maximum records to show")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	events, err := store.List(ctx, auditTenant, auditEventType, time.Time{}, time.Time{}, auditLimit)
	if err != nil {
		return fmt.Errorf("querying risk events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No risk events found.")
		return nil
	}
	renderAuditList(os.Stdout, events)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	eventID := args[0]

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, eventID)
	if err != nil {
		return fmt.Errorf("verifying risk event: %w", err)
	}
	renderVerifyResult(os.Stdout, eventID, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", eventID)
	}
	return nil
}

// renderAuditList writes risk event lines to w (testable).
func renderAuditList(w io.Writer, events []audit.RiskEvent) {
	fmt.Fprintf(w, "Risk Events (showing %d):\n\n", len(events))
	for i := range events {
		ev := &events[i]
		action := ev.BlockedAction
		if action == "" {
			action = "-"
		}
		fmt.Fprintf(w, "  %s | %s | %s/%s | %s | %s\n",
			ev.EventID,
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			ev.TenantID,
			ev.EventType,
			ev.RiskLane,
			action,
		)
	}
}

// renderVerifyResult writes verify outcome to w (testable).
func renderVerifyResult(w io.Writer, eventID string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Risk event %s: signature VALID (HMAC-SHA256 intact)\n", eventID)
	} else {
		fmt.Fprintf(w, "✗ Risk event %s: signature INVALID (possible tampering)\n", eventID)
	}
}
