package httpmiddleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSConfig lists the cross-origin settings exposed in configuration.
type CORSConfig struct {
	// Origins allowed to call the API. Empty or "*" allows every origin.
	Origins          []string
	AllowCredentials bool
	// MaxAge is how long browsers may cache a preflight, in seconds.
	MaxAge int
}

// CORS answers preflights and sets the Access-Control headers for the API and
// the event stream.
func CORS(cfg CORSConfig) Middleware {
	origins := cfg.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}
