package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/incrypto/nftmarket/internal/app"
	"github.com/incrypto/nftmarket/internal/config"
	"github.com/incrypto/nftmarket/internal/storage"
)

var subscriberCollection string

var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "Notification subscriber commands",
	Long:  `Manage subscribers in the configured database. The memory driver keeps nothing between runs.`,
}

var subscribersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribers",
	RunE:  runSubscribersList,
}

var subscribersAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Add a subscriber",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubscribersAdd,
}

var subscribersRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove a subscriber",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubscribersRemove,
}

func init() {
	subscribersAddCmd.Flags().StringVar(&subscriberCollection, "collection", "", "Only notify about this collection")

	subscribersCmd.AddCommand(subscribersListCmd, subscribersAddCmd, subscribersRemoveCmd)
	rootCmd.AddCommand(subscribersCmd)
}

func openStores(ctx context.Context) (*app.Stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver == config.DriverMemory {
		return nil, fmt.Errorf("subscriber commands need a database (storage.driver: %s)", config.DriverPostgres)
	}

	// Snapshots are not touched here.
	sc := cfg.Storage
	sc.ClickhouseDSN = ""
	return app.OpenStores(ctx, sc, app.SetupLogger(cfg.Logging))
}

func runSubscribersList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	subs, err := stores.Subscribers.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscribers: %w", err)
	}
	if len(subs) == 0 {
		fmt.Println("No subscribers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tCOLLECTION\tCREATED")
	fmt.Fprintln(w, "-----\t----------\t-------")
	for _, s := range subs {
		collection := s.Collection
		if collection == "" {
			collection = "(all)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Email, collection, s.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()

	return nil
}

func runSubscribersAdd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	sub := &storage.Subscriber{
		Email:      args[0],
		Collection: subscriberCollection,
		CreatedAt:  time.Now().UTC(),
	}
	if err := sub.Normalize(); err != nil {
		return err
	}
	if err := stores.Subscribers.Add(ctx, sub); err != nil {
		return fmt.Errorf("failed to add subscriber: %w", err)
	}

	fmt.Printf("Subscriber %s added\n", sub.Email)
	return nil
}

func runSubscribersRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	stores, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := stores.Subscribers.Remove(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to remove subscriber: %w", err)
	}

	fmt.Printf("Subscriber %s removed\n", args[0])
	return nil
}
