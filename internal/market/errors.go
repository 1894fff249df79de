package market

import "errors"

var (
	// ErrFetch wraps any failure while loading listings or their details.
	ErrFetch = errors.New("failed to load NFTs")

	// ErrNotFound is returned when no active listing exists for a mint.
	ErrNotFound = errors.New("listing not found")

	// ErrInvalidFilter is returned for non-numeric or negative price input
	// and unknown sort keys.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidListing is returned when account data is not a Listing.
	ErrInvalidListing = errors.New("invalid listing account")
)
