package server

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware answers browser preflight requests and sets
// Access-Control-Allow-Origin for allowed origins. "*" allows any origin.
// An empty list disables CORS headers entirely.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         600,
	})
	return c.Handler
}
