package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/incrypto/nftmarket/internal/ipfilter"
	"github.com/incrypto/nftmarket/internal/ratelimit"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks API key authentication. Without a configured key
// the management endpoints are closed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.apiConfig.HasAPIKey() {
			sendError(w, http.StatusForbidden, "Management API is disabled")
			return
		}

		// Check Authorization header
		auth := r.Header.Get("Authorization")
		if auth == "" {
			// Also check X-API-Key header
			auth = r.Header.Get("X-API-Key")
		}
		auth = strings.TrimPrefix(auth, "Bearer ")

		if auth == "" || !s.validKey(auth) {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	if s.apiConfig.APIKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiConfig.APIKeyHash), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiConfig.APIKey)) == 1
}

// rateLimitMiddleware counts mail requests per client address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := ipfilter.ClientIP(r)
		if ip == nil {
			next.ServeHTTP(w, r)
			return
		}

		res, err := s.deps.Limiter.Allow(r.Context(), &ratelimit.Request{IP: ip.String()})
		if err != nil {
			s.logger.Error("rate limit check failed", "error", err)
			sendError(w, http.StatusInternalServerError, "Rate limit check failed")
			return
		}
		if !res.Allowed {
			s.logger.Warn("mail request rate limited",
				"ip", ip.String(),
				"denied_by", res.DeniedBy,
				"retry_after", res.RetryAfter,
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			sendError(w, http.StatusTooManyRequests, fmt.Sprintf("Rate limit exceeded (%s)", res.DeniedBy))
			return
		}

		next.ServeHTTP(w, r)
	})
}
