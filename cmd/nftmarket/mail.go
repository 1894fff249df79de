package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/incrypto/nftmarket/internal/app"
	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/solana"
)

var (
	mailTo      string
	mailSubject string
	mailMessage string
	mailMint    string
	mailQueue   bool
	mailPreview string
)

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Notification mail commands",
}

var mailTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test notification",
	Long: `Compose a notification and submit it to the configured relay.
With --mint the card of that listing is included.`,
	RunE: runMailTest,
}

func init() {
	mailTestCmd.Flags().StringVar(&mailTo, "to", "", "Recipient email address (required)")
	mailTestCmd.Flags().StringVar(&mailSubject, "subject", "Test notification", "Email subject")
	mailTestCmd.Flags().StringVar(&mailMessage, "message", "This is a test message from the marketplace.", "Message text")
	mailTestCmd.Flags().StringVar(&mailMint, "mint", "", "Mint of a listed NFT to include")
	mailTestCmd.Flags().BoolVar(&mailQueue, "queue", false, "Enqueue into the outbox instead of sending now")
	mailTestCmd.Flags().StringVar(&mailPreview, "preview", "", "Write the HTML to this file and do not send")
	mailTestCmd.MarkFlagRequired("to")

	mailCmd.AddCommand(mailTestCmd)
	rootCmd.AddCommand(mailCmd)
}

func runMailTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger := app.SetupLogger(cfg.Logging)

	m, err := app.NewMailer(cfg, logger)
	if err != nil {
		return err
	}

	notice := mailer.Notice{
		Subject: mailSubject,
		Title:   mailSubject,
		Message: mailMessage,
	}

	if mailMint != "" {
		mint, err := solana.ParsePublicKey(mailMint)
		if err != nil {
			return fmt.Errorf("invalid mint: %w", err)
		}
		d, err := app.NewMarket(cfg, logger).Service.Get(ctx, mint)
		if err != nil {
			return err
		}
		notice.Card = mailer.CardFromDetail(*d, cfg.Mail.SiteURL)
		notice.Headline = d.DisplayName()
	}

	mailing, err := m.Composer.Compose(m.From, mailTo, notice)
	if err != nil {
		return err
	}

	if mailPreview != "" {
		if err := os.WriteFile(mailPreview, []byte(mailing.HTML), 0644); err != nil {
			return fmt.Errorf("failed to write preview: %w", err)
		}
		fmt.Printf("Preview written to %s\n", mailPreview)
		return nil
	}

	if mailQueue {
		outbox, err := queue.NewBoltStorage(cfg.Queue.Path)
		if err != nil {
			return fmt.Errorf("failed to open outbox: %w", err)
		}
		defer outbox.Close()

		msg := queue.NewMessage(mailing, queue.SourceCLI)
		msg.Mint = mailMint
		if err := outbox.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue: %w", err)
		}
		fmt.Printf("Message %s queued\n", msg.ID)
		return nil
	}

	fmt.Printf("Sending test notification...\n")
	fmt.Printf("  From: %s\n", mailing.From)
	fmt.Printf("  To:   %s\n", mailing.To)
	fmt.Printf("  Via:  %s:%d\n", cfg.SMTP.Host, cfg.SMTP.Port)

	start := time.Now()
	res, err := m.Sender.Send(ctx, mailing)
	if err != nil {
		return fmt.Errorf("send failed (%s): %w", mailer.KindOf(err), err)
	}

	fmt.Printf("\nAccepted by %s in %s\n", res.Relay, time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Message-ID: %s\n", res.MessageID)
	return nil
}
