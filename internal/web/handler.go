// Package web exposes the relay over HTTP: websocket peers join the same
// registry as TCP peers, and /peers and /stats report on it.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ledzpl/hads/internal/metrics"
	"github.com/ledzpl/hads/internal/relay"
)

var upgrader = &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// NewHandler routes websocket upgrades to the hub and serves the
// introspection endpoints. Websocket sessions end when ctx is done.
func NewHandler(ctx context.Context, hub *relay.Hub, opts relay.ConnOptions, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()

	// Route websocket requests
	r.NewRoute().HeadersRegexp(
		"Connection", "(?i)upgrade",
		"Upgrade", "(?i)websocket",
	).Handler(wsHandler{ctx: ctx, hub: hub, opts: opts, logger: logger})

	r.Methods(http.MethodGet).Path("/peers").Handler(peersHandler{hub: hub})
	r.Methods(http.MethodGet).Path("/stats").Handler(statsHandler{hub: hub})

	return r
}

type wsHandler struct {
	ctx    context.Context
	hub    *relay.Hub
	opts   relay.ConnOptions
	logger *slog.Logger
}

func (h wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	_ = h.hub.Serve(h.ctx, newWSConn(ws, h.opts))
}

type peersHandler struct {
	hub *relay.Hub
}

func (ph peersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ph.hub.Registry().Addrs())
}

type statsHandler struct {
	hub *relay.Hub
}

func (sh statsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m := sh.hub.Metrics(); m != nil {
		m.Update(metrics.Backlog, int64(sh.hub.Registry().Backlog()))
		m.WriteOnce(w)
		return
	}
	_, _ = w.Write([]byte("{}\n"))
}
