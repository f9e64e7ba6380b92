package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/config"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/rtc"
)

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Router http.Handler
}

// New constructs the HTTP server with routes: health, SDP offer/answer
// signaling, and trickle-ICE WebSocket signaling.
func New(cfg config.Config) *Server {
	mux := http.NewServeMux()
	h := rtc.NewHandler(cfg)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !rtcAuthOK(r, cfg.AuthPassword) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var offer rtc.SessionDescription
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			log.Printf("invalid offer: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		answer, err := h.HandleOffer(r.Context(), offer)
		if err != nil {
			log.Printf("webrtc handle offer failed: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answer)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebSocket(w, r)
	})

	return &Server{Router: mux}
}

// rtcAuthOK checks a shared-secret password via query string, an
// X-Auth-Token header, or a Bearer Authorization header. An empty expected
// password means auth is disabled.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == expected {
			return true
		}
	}
	return false
}
