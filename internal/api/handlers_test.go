package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/incrypto/nftmarket/internal/config"
	"github.com/incrypto/nftmarket/internal/mailer"
	"github.com/incrypto/nftmarket/internal/market"
	"github.com/incrypto/nftmarket/internal/queue"
	"github.com/incrypto/nftmarket/internal/solana"
	"github.com/incrypto/nftmarket/internal/storage"
	"github.com/incrypto/nftmarket/internal/storage/memory"
)

// fakeMarket serves a fixed listing set.
type fakeMarket struct {
	items []market.NFTDetail
	err   error
}

func (f *fakeMarket) Browse(ctx context.Context, flt market.Filter) (*market.View, error) {
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

// mockQueue implements queue.Queue for testing
type mockQueue struct {
	mu       sync.Mutex
	messages map[string]*queue.Message
}

func newMockQueue() *mockQueue {
	return &mockQueue{messages: make(map[string]*queue.Message)}
}

func (m *mockQueue) Enqueue(ctx context.Context, msg *queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

func (m *mockQueue) Dequeue(ctx context.Context) (*queue.Message, error) {
	return nil, nil
}

func (m *mockQueue) Update(ctx context.Context, msg *queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

func (m *mockQueue) Get(ctx context.Context, id string) (*queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id], nil
}

func (m *mockQueue) List(ctx context.Context, filter queue.ListFilter) ([]*queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*queue.Message
	for _, msg := range m.messages {
		if filter.Status != "" && msg.Status != filter.Status {
			continue
		}
		result = append(result, msg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Mailing.To < result[j].Mailing.To })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockQueue) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	return nil
}

func (m *mockQueue) Stats(ctx context.Context) (*queue.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &queue.QueueStats{Total: int64(len(m.messages))}
	for _, msg := range m.messages {
		switch msg.Status {
		case queue.StatusPending:
			stats.Pending++
		case queue.StatusSending:
			stats.Sending++
		case queue.StatusSent:
			stats.Sent++
		case queue.StatusFailed:
			stats.Failed++
		case queue.StatusDeferred:
			stats.Deferred++
		}
	}
	return stats, nil
}

func (m *mockQueue) Close() error {
	return nil
}

func (m *mockQueue) all() []*queue.Message {
	msgs, _ := m.List(context.Background(), queue.ListFilter{})
	return msgs
}

type mockSender struct {
	err  error
	sent []*mailer.Mailing
}

func (m *mockSender) Send(ctx context.Context, msg *mailer.Mailing) (*mailer.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, msg)
	return &mailer.Result{MessageID: "<test@incrypto.io>"}, nil
}

func key(b byte) solana.PublicKey {
	var pk solana.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func testItems() []market.NFTDetail {
	return []market.NFTDetail{
		{Name: "Ape #1", Collection: "apes", Mint: key(1), Seller: key(11), Listing: key(21), Price: 3 * market.LamportsPerSOL},
		{Name: "Cat #1", Collection: "cats", Mint: key(2), Seller: key(12), Listing: key(22), Price: market.LamportsPerSOL / 2},
		{Name: "Ape #2", Collection: "apes", Mint: key(3), Seller: key(13), Listing: key(23), Price: 2 * market.LamportsPerSOL},
	}
}

type testEnv struct {
	server *Server
	market *fakeMarket
	queue  *mockQueue
	subs   *memory.SubscriberStore
	snaps  *memory.SnapshotStore
	sender *mockSender
	woken  int
}

func setupTestServer(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	composer, err := mailer.NewComposer(mailer.ComposerConfig{})
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}

	env := &testEnv{
		market: &fakeMarket{items: testItems()},
		queue:  newMockQueue(),
		subs:   memory.NewSubscriberStore(),
		snaps:  memory.NewSnapshotStore(),
		sender: &mockSender{},
	}

	deps := Deps{
		Market:      env.market,
		Outbox:      env.queue,
		Sender:      env.sender,
		Composer:    composer,
		Subscribers: env.subs,
		Snapshots:   env.snaps,
		From:        "market@incrypto.io",
		SiteURL:     "https://market.incrypto.io",
		Wake:        func() { env.woken++ },
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.server, err = NewServer(deps, &config.ServerConfig{ListenAddr: ":8080"}, &config.APIConfig{APIKey: apiKey}, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return env
}

func (e *testEnv) do(method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, "")

	w := env.do("GET", "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if resp.Queue == nil {
		t.Error("Queue stats missing")
	}
}

func TestListingsEndpoint(t *testing.T) {
	env := setupTestServer(t, "")

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantNames []string
	}{
		{"all in source order", "", http.StatusOK, []string{"Ape #1", "Cat #1", "Ape #2"}},
		{"min price", "?min_price=1", http.StatusOK, []string{"Ape #1", "Ape #2"}},
		{"inclusive bounds", "?min_price=2&max_price=3", http.StatusOK, []string{"Ape #1", "Ape #2"}},
		{"collection", "?collection=cats", http.StatusOK, []string{"Cat #1"}},
		{"sorted", "?sort=price_asc", http.StatusOK, []string{"Cat #1", "Ape #2", "Ape #1"}},
		{"min above max", "?min_price=5&max_price=1", http.StatusOK, []string{}},
		{"non numeric", "?min_price=abc", http.StatusBadRequest, nil},
		{"negative", "?max_price=-1", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("GET", "/api/v1/listings"+tt.query, nil, "")
			if w.Code != tt.wantCode {
				t.Fatalf("Status = %d, want %d: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantNames == nil {
				return
			}

			var resp ListingsResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Total != 3 {
				t.Errorf("Total = %d, want 3", resp.Total)
			}
			if len(resp.Items) != len(tt.wantNames) {
				t.Fatalf("Items = %d, want %d", len(resp.Items), len(tt.wantNames))
			}
			for i, name := range tt.wantNames {
				if resp.Items[i].Name != name {
					t.Errorf("Items[%d] = %s, want %s", i, resp.Items[i].Name, name)
				}
			}
			if len(resp.Collections) != 2 {
				t.Errorf("Collections = %v, want apes and cats", resp.Collections)
			}
		})
	}
}

func TestListingsFetchFailure(t *testing.T) {
	env := setupTestServer(t, "")
	env.market.err = market.ErrFetch

	w := env.do("GET", "/api/v1/listings", nil, "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadGateway)
	}
	if !strings.Contains(w.Body.String(), "Failed to load NFTs.") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestListingEndpoint(t *testing.T) {
	env := setupTestServer(t, "")

	w := env.do("GET", "/api/v1/listings/"+key(2).String(), nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var item ListingItem
	if err := json.NewDecoder(w.Body).Decode(&item); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if item.Name != "Cat #1" || item.PriceSOL != 0.5 {
		t.Errorf("item = %+v", item)
	}
	if item.ExplorerURL != market.ExplorerURL(key(2).String()) {
		t.Errorf("ExplorerURL = %s", item.ExplorerURL)
	}

	if w := env.do("GET", "/api/v1/listings/"+key(9).String(), nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown mint: Status = %d, want 404", w.Code)
	}
	if w := env.do("GET", "/api/v1/listings/not-a-key", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad mint: Status = %d, want 400", w.Code)
	}
}

func TestCollectionsEndpoint(t *testing.T) {
	env := setupTestServer(t, "")

	w := env.do("GET", "/api/v1/collections", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}

	var resp []CollectionSummary
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("collections = %d, want 2", len(resp))
	}
	if resp[0].Collection != "apes" || resp[0].Listings != 2 || resp[0].Floor != 2*market.LamportsPerSOL {
		t.Errorf("apes = %+v", resp[0])
	}
}

func TestFloorEndpoint(t *testing.T) {
	env := setupTestServer(t, "")

	now := time.Now()
	env.snaps.InsertBatch(context.Background(), []*storage.Snapshot{
		{TakenAt: now.Add(-time.Hour), Listing: "a", Mint: "a", Collection: "apes", Price: 4 * market.LamportsPerSOL},
		{TakenAt: now.Add(-48 * time.Hour), Listing: "b", Mint: "b", Collection: "apes", Price: market.LamportsPerSOL},
	})

	w := env.do("GET", "/api/v1/collections/apes/floor", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}

	var resp FloorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Floor == nil || *resp.Floor != 2*market.LamportsPerSOL {
		t.Errorf("Floor = %v, want 2 SOL", resp.Floor)
	}
	if resp.Listings != 2 {
		t.Errorf("Listings = %d, want 2", resp.Listings)
	}
	if len(resp.History) != 1 {
		t.Errorf("History = %d points, want 1 within 24h", len(resp.History))
	}

	w = env.do("GET", "/api/v1/collections/dogs/floor", nil, "")
	resp = FloorResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Floor != nil {
		t.Errorf("empty collection floor = %v, want null", *resp.Floor)
	}

	if w := env.do("GET", "/api/v1/collections/apes/floor?since=forever", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad since: Status = %d, want 400", w.Code)
	}
}

func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.router.ServeHTTP(w, req)
	return w
}
