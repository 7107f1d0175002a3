package hub

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router assembles the hub's HTTP surface: the WebSocket channels, the SSE
// alternative, and the offline queue intake endpoints.
func (h *Hub) Router(sseHeartbeat time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws/{channel}", h.handleWebSocket)
	r.Get("/sse/playback", func(w http.ResponseWriter, req *http.Request) {
		h.handleSSEPlayback(w, req, sseHeartbeat)
	})
	r.Post("/offlineQueue/{kind}", h.handleOfflineIntake)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
