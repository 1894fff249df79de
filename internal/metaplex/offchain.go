package metaplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultFetchTimeout bounds a single off-chain document download.
const DefaultFetchTimeout = 10 * time.Second

// maxDocumentSize caps the off-chain JSON body.
const maxDocumentSize = 1 << 20

var (
	// ErrInvalidDocument is returned when the off-chain body is not JSON.
	ErrInvalidDocument = errors.New("invalid off-chain metadata document")
	// ErrDocumentTooLarge is returned when the body exceeds maxDocumentSize.
	ErrDocumentTooLarge = errors.New("off-chain metadata document too large")
)

// OffChain holds the fields read from the JSON document at Metadata.URI.
type OffChain struct {
	Name       string
	Symbol     string
	Image      string
	Collection string // collection.name
}

// Fetcher downloads off-chain metadata documents.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher; a nil client gets DefaultFetchTimeout.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &Fetcher{client: client}
}

// FetchOffChain downloads and parses the document at uri.
func (f *Fetcher) FetchOffChain(ctx context.Context, uri string) (*OffChain, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("fetch %s: %w", uri, ErrDocumentTooLarge)
	}

	return ParseOffChain(body)
}

// ParseOffChain extracts the display fields from a metadata JSON document.
func ParseOffChain(body []byte) (*OffChain, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidDocument
	}

	fields := gjson.GetManyBytes(body, "name", "symbol", "image", "collection.name")
	return &OffChain{
		Name:       fields[0].String(),
		Symbol:     fields[1].String(),
		Image:      fields[2].String(),
		Collection: fields[3].String(),
	}, nil
}
