package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewServer_InvalidAllowedIPs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewServer(New(), "", "", []string{"not-an-ip"}, logger); err == nil {
		t.Fatal("expected error for invalid allowed_ips entry")
	}
}

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.MailSentTotal.Inc()

	s, err := NewServer(m, ":0", "/metrics", []string{"10.0.0.0/8"}, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h := s.Handler()

	tests := []struct {
		name   string
		path   string
		remote string
		want   int
	}{
		{"allowed", "/metrics", "10.1.2.3:1234", http.StatusOK},
		{"denied", "/metrics", "192.168.1.1:1234", http.StatusForbidden},
		{"health ignores filter", "/health", "192.168.1.1:1234", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.path == "/metrics" && tt.want == http.StatusOK &&
				!strings.Contains(rec.Body.String(), "nftmarket_mail_sent_total") {
				t.Error("metrics body missing nftmarket_mail_sent_total")
			}
		})
	}
}
