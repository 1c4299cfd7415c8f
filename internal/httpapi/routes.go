package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pvoronin/planning-poker-backend/internal/hub"
	"github.com/pvoronin/planning-poker-backend/internal/ws"
)

// SetupRoutes builds the router with the hub injected. Every root-level path
// segment is a websocket routing key, matching the original wire contract
// where clients connect to ws://host/<roomId> or ws://host/lobby.
func SetupRoutes(h *hub.Hub, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/{key}", ws.Handler(h, log))
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
