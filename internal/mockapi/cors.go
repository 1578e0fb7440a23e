package mockapi

import (
	"net/http"
	"slices"
)

// DefaultAllowedOrigins are the development frontends allowed to call the API
// from a browser.
var DefaultAllowedOrigins = []string{"http://localhost", "http://localhost:3000", "http://localhost:5173"}

// CORS answers preflight requests and stamps the allow headers for listed
// origins. Requests from other origins are passed through without them.
func CORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
