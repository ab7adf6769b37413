package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/docsyncio/docsync/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHandler builds the HTTP routes: the collaboration endpoint plus
// health and metrics.
func NewHandler(engine *Engine, m *metrics.Metrics, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Get("/ws/documents/{documentID}", func(w http.ResponseWriter, req *http.Request) {
		documentID := chi.URLParam(req, "documentID")
		token := req.URL.Query().Get("token")

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Errorw("websocket upgrade failed", "document_id", documentID, "error", err)
			return
		}
		// Serve blocks until the connection closes; the engine owns
		// teardown from here.
		engine.Serve(req.Context(), newWSTransport(conn), documentID, token)
	})

	return r
}
