package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/incrypto/nftmarket/internal/queue"
)

var (
	queueListStatus string
	queueListLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Outbox management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages in the outbox",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox statistics",
	RunE:  runQueueStats,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <message_id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <message_id>",
	Short: "Delete a message from the outbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, sending, sent, failed, deferred)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of messages to show")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRetryCmd, queueDeleteCmd)
	rootCmd.AddCommand(queueCmd)
}

func openOutbox() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openOutbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	messages, err := storage.List(context.Background(), queue.ListFilter{
		Status: queue.MessageStatus(queueListStatus),
		Limit:  queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("Outbox is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSOURCE\tTO\tSUBJECT\tCREATED\tRETRIES")
	fmt.Fprintln(w, "--\t------\t------\t--\t-------\t-------\t-------")

	for _, msg := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(msg.ID),
			msg.Status,
			msg.Source,
			truncate(msg.Mailing.To, 40),
			truncate(msg.Mailing.Subject, 40),
			msg.CreatedAt.Format("2006-01-02 15:04"),
			msg.RetryCount,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openOutbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]

	msg, err := storage.Get(context.Background(), id)
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", id)
	}

	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Status:      %s\n", msg.Status)
	fmt.Printf("Source:      %s\n", msg.Source)
	fmt.Printf("From:        %s\n", msg.Mailing.From)
	fmt.Printf("To:          %s\n", msg.Mailing.To)
	fmt.Printf("Subject:     %s\n", msg.Mailing.Subject)
	if msg.Mint != "" {
		fmt.Printf("Mint:        %s\n", msg.Mint)
	}
	fmt.Printf("Created:     %s\n", msg.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", msg.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("Retry Count: %d\n", msg.RetryCount)

	if !msg.NextRetryAt.IsZero() {
		fmt.Printf("Next Retry:  %s\n", msg.NextRetryAt.Format(time.RFC3339))
	}
	if msg.MessageID != "" {
		fmt.Printf("Message-ID:  %s\n", msg.MessageID)
	}
	if msg.LastError != "" {
		fmt.Printf("\nLast Error (%s):\n  %s\n", msg.ErrorKind, msg.LastError)
	}

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openOutbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get outbox stats: %w", err)
	}

	fmt.Println("Outbox Statistics")
	fmt.Println("=================")
	fmt.Printf("Total:    %d\n", stats.Total)
	fmt.Printf("Pending:  %d\n", stats.Pending)
	fmt.Printf("Sending:  %d\n", stats.Sending)
	fmt.Printf("Deferred: %d\n", stats.Deferred)
	fmt.Printf("Sent:     %d\n", stats.Sent)
	fmt.Printf("Failed:   %d\n", stats.Failed)

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, err := openOutbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	id := args[0]
	if err := storage.Retry(context.Background(), id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return fmt.Errorf("message not found: %s", id)
		}
		return fmt.Errorf("failed to retry message: %w", err)
	}

	fmt.Printf("Message %s queued for retry\n", id)
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	storage, err := openOutbox()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	id := args[0]

	msg, err := storage.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", id)
	}

	if err := storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	fmt.Printf("Message %s deleted\n", id)
	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
