package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/delivery"
)

var (
	dlqStatus string
	dlqLimit  int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered events",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	RunE:  dlqList,
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue [id]",
	Short: "Mark a pending dead letter for redelivery",
	Args:  cobra.ExactArgs(1),
	RunE:  dlqRequeue,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "Filter by status (pending, requeued)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "Maximum records to show")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}

func openDLQ() (*delivery.DLQ, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return delivery.OpenDLQ(cfg.DLQDBPath())
}

func dlqList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	dlq, err := openDLQ()
	if err != nil {
		return fmt.Errorf("initializing dead-letter store: %w", err)
	}
	defer dlq.Close()

	letters, err := dlq.List(ctx, dlqStatus, dlqLimit)
	if err != nil {
		return fmt.Errorf("querying dead letters: %w", err)
	}

	if len(letters) == 0 {
		fmt.Println("No dead letters found.")
		return nil
	}
	renderDLQList(os.Stdout, letters)
	return nil
}

func dlqRequeue(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead letter id %q", args[0])
	}

	dlq, err := openDLQ()
	if err != nil {
		return fmt.Errorf("initializing dead-letter store: %w", err)
	}
	defer dlq.Close()

	dl, err := dlq.Requeue(ctx, id)
	if err != nil {
		return fmt.Errorf("requeuing dead letter %d: %w", id, err)
	}
	fmt.Printf("Dead letter %d marked %s. A running server will redeliver it; or POST /api/v1/dlq/%d/requeue.\n",
		dl.ID, dl.Status, dl.ID)
	return nil
}

// renderDLQList writes dead letter lines to w (testable).
func renderDLQList(w io.Writer, letters []delivery.DeadLetter) {
	fmt.Fprintf(w, "Dead Letters (showing %d):\n\n", len(letters))
	for i := range letters {
		dl := &letters[i]
		fmt.Fprintf(w, "  #%d | %s | %s | %s | %s | %s\n",
			dl.ID,
			dl.CreatedAt.Format("2006-01-02 15:04:05"),
			dl.Status,
			dl.SourceType,
			dl.CorrelationID,
			dl.ErrorReason,
		)
	}
}
