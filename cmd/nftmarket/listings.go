package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/incrypto/nftmarket/internal/app"
	"github.com/incrypto/nftmarket/internal/market"
)

var (
	listingsMinPrice   string
	listingsMaxPrice   string
	listingsCollection string
	listingsSort       string
	listingsJSON       bool
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "List NFTs currently on sale",
	Long:  `Load every active listing from the marketplace program and print the filtered result.`,
	RunE:  runListings,
}

func init() {
	listingsCmd.Flags().StringVar(&listingsMinPrice, "min-price", "", "Minimum price in SOL")
	listingsCmd.Flags().StringVar(&listingsMaxPrice, "max-price", "", "Maximum price in SOL")
	listingsCmd.Flags().StringVar(&listingsCollection, "collection", "", "Collection key")
	listingsCmd.Flags().StringVar(&listingsSort, "sort", "", "Sort order (price_asc, price_desc, name)")
	listingsCmd.Flags().BoolVar(&listingsJSON, "json", false, "Print JSON")

	rootCmd.AddCommand(listingsCmd)
}

func runListings(cmd *cobra.Command, args []string) error {
	filter, err := market.ParseFilter(listingsMinPrice, listingsMaxPrice, listingsCollection, listingsSort)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := app.SetupLogger(cfg.Logging)
	m := app.NewMarket(cfg, logger)

	view, err := m.Service.Browse(context.Background(), filter)
	if err != nil {
		return err
	}

	if listingsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view.Items)
	}

	printListings(os.Stdout, view)
	return nil
}

func printListings(out io.Writer, view *market.View) {
	if len(view.Items) == 0 {
		fmt.Fprintln(out, "No NFTs on sale")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRICE (SOL)\tCOLLECTION\tMINT\tSELLER")
	fmt.Fprintln(w, "----\t-----------\t----------\t----\t------")

	for _, d := range view.Items {
		collection := d.Group
		if collection == "" {
			collection = market.TrimAddress(d.Collection)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.DisplayName(),
			market.FormatSOL(d.Price),
			collection,
			d.Mint.String(),
			market.TrimAddress(d.Seller.String()),
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nShowing %d of %d listings\n", len(view.Items), len(view.All))
}
