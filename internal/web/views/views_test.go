package views

import (
	"bytes"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/solana"
)

type listingData struct {
	Brand     string
	Item      *market.NFTDetail
	LoadError string
}

func TestNewParsesPages(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, name := range []string{"marketplace", "listing"} {
		if !e.Has(name) {
			t.Errorf("page %q missing", name)
		}
	}
	if e.Has("layout") {
		t.Error("layout should not be a page")
	}
}

func TestRenderListing(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mint := solana.MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	var buf bytes.Buffer
	err = e.Render(&buf, "listing", listingData{
		Brand: "InCrypto",
		Item:  &market.NFTDetail{Name: "Ape <#1>", Mint: mint, Price: 2_500_000_000},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"<title>Ape &lt;#1&gt; | InCrypto</title>",
		"2.5 SOL",
		"Toke...Q5DA",
		"https://solana.fm/address/" + mint.String(),
		"No Image Available",
		"InCrypto. All rights reserved.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRenderUnknownPage(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Render(&bytes.Buffer{}, "missing", nil); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}
