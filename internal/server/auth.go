// Package server exposes the tutoring pipeline over HTTP: sessions,
// interactions, traces, sequences and risks.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/dativo-io/mentor/internal/requestctx"
)

const apiKeyHeader = "X-Mentor-Key"

type apiClient struct {
	key  []byte
	name string
}

// presentedKey returns the API key sent by the caller, either in the
// X-Mentor-Key header or as a bearer token.
func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return key
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// AuthMiddleware rejects requests without a known API key and stores the
// matching client name in the request context. apiKeys maps key to client.
// Every configured key is compared so timing does not reveal which matched.
func AuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	clients := make([]apiClient, 0, len(apiKeys))
	for k, name := range apiKeys {
		clients = append(clients, apiClient{key: []byte(k), name: name})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := []byte(presentedKey(r))
			client := ""
			for _, c := range clients {
				if subtle.ConstantTimeCompare(c.key, presented) == 1 && client == "" {
					client = c.name
				}
			}
			if len(presented) == 0 || client == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mentor"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(requestctx.SetClientID(r.Context(), client)))
		})
	}
}

// CORSMiddleware answers preflight requests and sets CORS headers for the
// configured origins. "*" allows any origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(allowedOrigins, "*")
	allowHeaders := strings.Join([]string{"Accept", "Authorization", "Content-Type", apiKeyHeader}, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case anyOrigin:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowedOrigins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", "300")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes the API's JSON error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
