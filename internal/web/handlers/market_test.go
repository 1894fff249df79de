package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/web/views"
)

type fakeMarket struct {
	items   []market.NFTDetail
	err     error
	filters []market.Filter
}

func (f *fakeMarket) Browse(ctx context.Context, flt market.Filter) (*market.View, error) {
	f.filters = append(f.filters, flt)
	if f.err != nil {
		return nil, f.err
	}
	return &market.View{
		Items:       flt.Apply(f.items),
		All:         f.items,
		Collections: market.Collections(f.items),
		LoadedAt:    time.Now(),
	}, nil
}

func (f *fakeMarket) Get(ctx context.Context, mint solana.PublicKey) (*market.NFTDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.items {
		if d.Mint == mint {
			return &d, nil
		}
	}
	return nil, market.ErrNotFound
}

func key(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func setup(t *testing.T, m *fakeMarket) http.Handler {
	t.Helper()
	engine, err := views.New()
	if err != nil {
		t.Fatalf("views.New failed: %v", err)
	}
	h := New(m, engine, "InCrypto", slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func sampleItems() []market.NFTDetail {
	collection := key(7).String()
	return []market.NFTDetail{
		{Name: "Ape #1", Collection: collection, Image: "https://img.test/1.png", Mint: key(1), Seller: key(11), Listing: key(21), Price: 2_500_000_000},
		{Name: "", Mint: key(2), Seller: key(12), Listing: key(22), Price: 100_000_000},
	}
}

func TestIndexRedirects(t *testing.T) {
	w := get(setup(t, &fakeMarket{}), "/")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/marketplace" {
		t.Errorf("Status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
}

func TestMarketplacePage(t *testing.T) {
	m := &fakeMarket{items: sampleItems()}
	w := get(setup(t, m), "/marketplace")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	body := w.Body.String()

	for _, want := range []string{
		"NFTs on Sale",
		"All Collections",
		"Min Price",
		"Max Price",
		"Apply",
		"Ape #1",
		"Unknown",
		"No Image Available",
		"2.5 SOL",
		market.TrimAddress(key(1).String()),
		market.ExplorerURL(key(1).String()),
		// collection options show trimmed keys
		">" + market.TrimAddress(key(7).String()) + "<",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}
}

func TestMarketplaceFilters(t *testing.T) {
	m := &fakeMarket{items: sampleItems()}
	h := setup(t, m)

	w := get(h, "/marketplace?min_price=1&collection="+key(7).String())
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Ape #1") || strings.Contains(body, "Unknown") {
		t.Error("filter not applied")
	}
	if !strings.Contains(body, `value="1"`) {
		t.Error("min price not echoed")
	}
	if !strings.Contains(body, `value="`+key(7).String()+`" selected`) {
		t.Error("collection not selected")
	}

	f := m.filters[len(m.filters)-1]
	if f.MinPrice == nil || *f.MinPrice != 1 || f.Collection != key(7).String() {
		t.Errorf("filter = %+v", f)
	}
}

func TestMarketplaceNoMatches(t *testing.T) {
	w := get(setup(t, &fakeMarket{items: sampleItems()}), "/marketplace?min_price=100")
	if !strings.Contains(w.Body.String(), "No NFTs on sale") {
		t.Error("empty message missing")
	}
}

func TestMarketplaceInvalidFilter(t *testing.T) {
	w := get(setup(t, &fakeMarket{items: sampleItems()}), "/marketplace?max_price=abc")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "invalid filter") {
		t.Error("filter error missing")
	}
	// unfiltered listings are still shown
	if !strings.Contains(body, "Ape #1") {
		t.Error("listings missing")
	}
}

func TestMarketplaceLoadFailure(t *testing.T) {
	w := get(setup(t, &fakeMarket{err: market.ErrFetch}), "/marketplace")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Failed to load NFTs.") {
		t.Error("load error missing")
	}
	if strings.Contains(body, "No NFTs on sale") {
		t.Error("empty message shown on failure")
	}
}

func TestListingPage(t *testing.T) {
	h := setup(t, &fakeMarket{items: sampleItems()})

	w := get(h, "/marketplace/"+key(1).String())
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Ape #1") || !strings.Contains(body, "https://img.test/1.png") {
		t.Error("detail missing")
	}
	if !strings.Contains(body, market.TrimAddress(key(11).String())) {
		t.Error("seller missing")
	}

	if w := get(h, "/marketplace/"+key(9).String()); w.Code != http.StatusNotFound {
		t.Errorf("unknown mint: Status = %d, want 404", w.Code)
	}
	if w := get(h, "/marketplace/zzz"); w.Code != http.StatusNotFound {
		t.Errorf("bad mint: Status = %d, want 404", w.Code)
	}
}

func TestStaticAssets(t *testing.T) {
	w := get(setup(t, &fakeMarket{}), "/static/css/market.css")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), ".grid") {
		t.Error("stylesheet content missing")
	}
}
