package api

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/suvfin/internal/whatsapp"
)

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// captureBody reads the (size-limited) body and puts it back so the
// next handler can read it again.
func captureBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// signatureMiddleware verifies X-Hub-Signature-256 against the app
// secret. Without a configured secret the check is skipped.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.WhatsApp.AppSecret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := captureBody(w, r)
		if err != nil {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		if !whatsapp.VerifySignature(body, r.Header.Get(whatsapp.SignatureHeader), secret) {
			s.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
			s.errorResponse(w, http.StatusForbidden, "invalid signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimitMiddleware throttles webhook deliveries per client IP.
func (s *Server) ipLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.IPLimiter != nil && !s.cfg.IPLimiter.Allow(r.Context(), clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware requires "Authorization: Bearer <admin token>"
// when a token is configured.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.AdminToken
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trustedRealIP applies chi's RealIP only to requests whose socket peer
// is a configured proxy. Anyone else could rotate X-Forwarded-For to
// dodge the per-IP webhook limit.
func (s *Server) trustedRealIP(next http.Handler) http.Handler {
	forwarded := middleware.RealIP(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.fromTrustedProxy(r) {
			forwarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) fromTrustedProxy(r *http.Request) bool {
	if len(s.cfg.TrustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP(r))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.cfg.TrustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP strips the port from RemoteAddr, which trustedRealIP has
// already replaced with the forwarded address for proxied requests.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
