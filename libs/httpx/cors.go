package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy controls which browser origins may call the booking API.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// Headers browsers need to send and read for the booking flows.
var (
	defaultCORSHeaders = []string{"Content-Type", "Idempotency-Key", ActorHeader, RequestIDHeader}
	exposedCORSHeaders = strings.Join([]string{RequestIDHeader, "Retry-After"}, ", ")
)

// WithCORS answers preflights and decorates responses for allowed origins.
// With no allowed origins it does nothing. A preflight from any other origin
// gets 403 instead of reaching the mux.
func WithCORS(p CORSPolicy) Middleware {
	origins := normalizeList(p.AllowedOrigins)
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	wildcard := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[strings.ToLower(o)] = true
	}
	headerList := normalizeList(p.AllowedHeaders)
	if len(headerList) == 0 {
		headerList = defaultCORSHeaders
	}
	methods := strings.Join(normalizeList(p.AllowedMethods), ", ")
	headers := strings.Join(headerList, ", ")
	maxAge := ""
	if secs := int(p.MaxAge / time.Second); secs > 0 {
		maxAge = strconv.Itoa(secs)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if !wildcard && !allowed[strings.ToLower(origin)] {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case !wildcard || p.AllowCredentials:
				h.Set("Access-Control-Allow-Origin", origin)
			default:
				h.Set("Access-Control-Allow-Origin", "*")
			}
			if p.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if !preflight {
				h.Set("Access-Control-Expose-Headers", exposedCORSHeaders)
				next.ServeHTTP(w, r)
				return
			}

			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			h.Set("Access-Control-Allow-Headers", headers)
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
