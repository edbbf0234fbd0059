package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
)

// NewMux serves the websocket endpoint and health check. api, when set, is mounted under /api/.
func NewMux(hub *Hub, ws *WSHandler, api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		conns, rooms := hub.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "connections": conns, "rooms": rooms})
	})
	mux.HandleFunc("/ws", ws.ServeWS)
	if api != nil {
		mux.Handle("/api/", api)
	}

	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(mux)
}
