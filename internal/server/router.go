package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"recurrente-gateway/internal/payment"
	"recurrente-gateway/internal/utils"
)

// IPFilter restricts webhook callers. Forwarding headers are honoured only
// when the connecting peer is one of TrustedProxies.
type IPFilter struct {
	Allowed        []string
	TrustedProxies []string
}

// NewRouter registers the payment routes, health and metrics.
func NewRouter(handler *payment.Handler, webhook IPFilter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(rememberPeer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/payment/recurrente", func(r chi.Router) {
		r.With(allowIPs(webhook, logger)).Post("/webhook", handler.HandleWebhook)
		r.Get("/return", handler.HandleReturn)
		r.Post("/return", handler.HandleReturn)
		r.Post("/payment_intent", handler.HandleCheckout)

		r.Get("/test", handler.HandleDiagnostics)
		r.Get("/transactions/{reference}", handler.HandleGetTransaction)
		r.Post("/transactions/{reference}/refund", handler.HandleRefund)
	})

	return r
}

type peerKey struct{}

// rememberPeer records the socket address before RealIP rewrites RemoteAddr.
func rememberPeer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), peerKey{}, hostOf(r.RemoteAddr))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP returns the connecting peer, or the forwarded client address
// when the peer is a trusted proxy.
func clientIP(r *http.Request, trustedProxies []string) string {
	peer, ok := r.Context().Value(peerKey{}).(string)
	if !ok {
		return hostOf(r.RemoteAddr)
	}
	if len(trustedProxies) > 0 && utils.IsAllowedIP(peer, trustedProxies) {
		return hostOf(r.RemoteAddr)
	}
	return peer
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// allowIPs rejects callers outside the allowed list. An empty list allows
// everyone.
func allowIPs(filter IPFilter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(filter.Allowed) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r, filter.TrustedProxies)
			if !utils.IsAllowedIP(ip, filter.Allowed) {
				logger.Warn("webhook from disallowed address", zap.String("ip", ip), zap.String("remote_addr", r.RemoteAddr))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
