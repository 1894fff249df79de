// Package market loads marketplace listings, joins them with NFT metadata and
// filters the merged result.
package market

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/incrypto/nftmarket/internal/solana"
)

// ListingAccountSize is the encoded size of a Listing account.
const ListingAccountSize = 8 + 32 + 32 + 8 + 1

// ListingDiscriminator prefixes every Listing account.
var ListingDiscriminator = accountDiscriminator("Listing")

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// Listing is one sale offer held by the marketplace program.
type Listing struct {
	Address solana.PublicKey `json:"address"`
	Mint    solana.PublicKey `json:"mint"`
	Seller  solana.PublicKey `json:"seller"`
	Price   uint64           `json:"price"` // lamports
	Active  bool             `json:"active"`
}

// DecodeListing parses a Listing account.
func DecodeListing(address solana.PublicKey, data []byte) (Listing, error) {
	if len(data) < ListingAccountSize {
		return Listing{}, fmt.Errorf("%w: %s: %d bytes", ErrInvalidListing, address, len(data))
	}
	if [8]byte(data[:8]) != ListingDiscriminator {
		return Listing{}, fmt.Errorf("%w: %s: discriminator mismatch", ErrInvalidListing, address)
	}

	l := Listing{Address: address}
	copy(l.Seller[:], data[8:40])
	copy(l.Mint[:], data[40:72])
	l.Price = binary.LittleEndian.Uint64(data[72:80])
	l.Active = data[80] != 0
	return l, nil
}

// Encode serializes l in the Listing account layout.
func (l Listing) Encode() []byte {
	buf := make([]byte, 0, ListingAccountSize)
	buf = append(buf, ListingDiscriminator[:]...)
	buf = append(buf, l.Seller[:]...)
	buf = append(buf, l.Mint[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, l.Price)
	if l.Active {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ListingSource returns every listing known to the marketplace, active or not.
type ListingSource interface {
	Listings(ctx context.Context) ([]Listing, error)
}

// ProgramListingSource reads Listing accounts of the marketplace program.
type ProgramListingSource struct {
	rpc     solana.RPCClient
	program solana.PublicKey
}

// NewProgramListingSource creates a source for program.
func NewProgramListingSource(rpc solana.RPCClient, program solana.PublicKey) *ProgramListingSource {
	return &ProgramListingSource{rpc: rpc, program: program}
}

// Filters returns the account filters matching Listing accounts.
func (s *ProgramListingSource) Filters() []solana.AccountFilter {
	return []solana.AccountFilter{
		{Memcmp: &solana.Memcmp{Offset: 0, Bytes: ListingDiscriminator[:]}},
	}
}

// Program returns the marketplace program address.
func (s *ProgramListingSource) Program() solana.PublicKey {
	return s.program
}

// Listings implements ListingSource.
func (s *ProgramListingSource) Listings(ctx context.Context) ([]Listing, error) {
	accounts, err := s.rpc.GetProgramAccounts(ctx, s.program, s.Filters()...)
	if err != nil {
		return nil, fmt.Errorf("get program accounts: %w", err)
	}

	listings := make([]Listing, 0, len(accounts))
	for _, acc := range accounts {
		l, err := DecodeListing(acc.Pubkey, acc.Account.Data)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, nil
}
