package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/incrypto/nftmarket/internal/dnscheck"
	"github.com/incrypto/nftmarket/internal/mailer"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key pair and output DNS record.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	RunE:  runDKIMShow,
}

var dkimCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DKIM and DMARC records of the sending domain",
	Long: `Look up the DNS records of the configured DKIM domain and compare the
published DKIM key with the configured signing key.`,
	RunE: runDKIMCheck,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "nftmarket", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "nftmarket", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimCheckCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := mailer.GenerateDKIMKey(dkimDomain, dkimSelector)
	if err != nil {
		return err
	}

	keyPath := filepath.Join(dkimOutDir, fmt.Sprintf("%s.key", dkimDomain))
	if err := key.Save(keyPath); err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	return printDKIMRecord(key)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	privateKey, err := mailer.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	return printDKIMRecord(&mailer.DKIMKey{
		PrivateKey: privateKey,
		Domain:     dkimDomain,
		Selector:   dkimSelector,
	})
}

func printDKIMRecord(key *mailer.DKIMKey) error {
	record, err := key.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", key.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}

func runDKIMCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dc := cfg.SMTP.DKIM
	if !dc.Enabled {
		return fmt.Errorf("smtp.dkim is not enabled")
	}

	privateKey, err := mailer.LoadPrivateKey(dc.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load DKIM key: %w", err)
	}
	want, err := (&mailer.DKIMKey{PrivateKey: privateKey, Domain: dc.Domain, Selector: dc.Selector}).DNSRecord()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	report, err := dnscheck.New(nil).CheckSender(ctx, dc.Domain, dc.Selector, want)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE")
	for _, res := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", res.Type, res.Status, res.Message)
	}
	w.Flush()

	if !report.OK() {
		return fmt.Errorf("DNS records for %s are incomplete", report.Domain)
	}
	return nil
}
