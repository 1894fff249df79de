package market

import (
	"context"
	"fmt"

	"github.com/incrypto/nftmarket/internal/metaplex"
	"github.com/incrypto/nftmarket/internal/metrics"
	"github.com/incrypto/nftmarket/internal/solana"
)

// NFTDetail is a listing merged with its token metadata.
type NFTDetail struct {
	Name       string           `json:"name"`
	Symbol     string           `json:"symbol"`
	Image      string           `json:"image,omitempty"`
	Collection string           `json:"collection,omitempty"` // on-chain collection mint
	Group      string           `json:"group,omitempty"`      // off-chain collection name
	Mint       solana.PublicKey `json:"mint"`
	Seller     solana.PublicKey `json:"seller"`
	Price      uint64           `json:"price"`
	Listing    solana.PublicKey `json:"listing"`
}

// DisplayName returns the name or "Unknown".
func (d NFTDetail) DisplayName() string {
	if d.Name == "" {
		return "Unknown"
	}
	return d.Name
}

// PriceSOL returns the price in SOL.
func (d NFTDetail) PriceSOL() float64 {
	return LamportsToSOL(d.Price)
}

// DetailSource resolves the metadata for one listing.
type DetailSource interface {
	Detail(ctx context.Context, l Listing) (NFTDetail, error)
}

// OffChainFetcher downloads the JSON document referenced by a metadata URI.
type OffChainFetcher interface {
	FetchOffChain(ctx context.Context, uri string) (*metaplex.OffChain, error)
}

// MetaplexDetailSource reads Token Metadata accounts and their off-chain JSON.
type MetaplexDetailSource struct {
	rpc     solana.RPCClient
	fetcher OffChainFetcher
}

// NewMetaplexDetailSource creates a detail source. A nil fetcher skips the
// off-chain document and leaves Image and Group empty.
func NewMetaplexDetailSource(rpc solana.RPCClient, fetcher OffChainFetcher) *MetaplexDetailSource {
	return &MetaplexDetailSource{rpc: rpc, fetcher: fetcher}
}

// Detail implements DetailSource.
func (s *MetaplexDetailSource) Detail(ctx context.Context, l Listing) (NFTDetail, error) {
	d := NFTDetail{
		Mint:    l.Mint,
		Seller:  l.Seller,
		Price:   l.Price,
		Listing: l.Address,
	}

	addr, err := metaplex.MetadataAddress(l.Mint)
	if err != nil {
		return d, err
	}

	info, err := s.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		metrics.IncDetailFailure("rpc")
		return d, fmt.Errorf("metadata account for %s: %w", l.Mint, err)
	}
	if info == nil {
		return d, nil
	}

	md, err := metaplex.DecodeMetadata(info.Data)
	if err != nil {
		metrics.IncDetailFailure("decode")
		return d, fmt.Errorf("metadata for %s: %w", l.Mint, err)
	}
	d.Name = md.Name
	d.Symbol = md.Symbol
	d.Collection = md.CollectionKey()

	if md.URI == "" || s.fetcher == nil {
		return d, nil
	}

	doc, err := s.fetcher.FetchOffChain(ctx, md.URI)
	if err != nil {
		metrics.IncDetailFailure("offchain")
		return d, fmt.Errorf("off-chain metadata for %s: %w", l.Mint, err)
	}
	d.Image = doc.Image
	d.Group = doc.Collection
	if d.Name == "" {
		d.Name = doc.Name
	}
	if d.Symbol == "" {
		d.Symbol = doc.Symbol
	}
	return d, nil
}
