package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ledzpl/hads/internal/metrics"
	"github.com/ledzpl/hads/internal/relay"
)

const waitFor = 2 * time.Second

func newTestServer(t *testing.T, opts relay.ConnOptions) (*relay.Hub, *httptest.Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(relay.WithLogger(logger), relay.WithMetrics(metrics.New()))

	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(NewHandler(ctx, hub, opts, logger))
	t.Cleanup(func() {
		cancel()
		hub.Wait()
		server.Close()
	})
	return hub, server
}

func dial(t *testing.T, hub *relay.Hub, server *httptest.Server, peers int) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.Eventually(t, func() bool {
		return hub.Registry().Len() == peers
	}, waitFor, 5*time.Millisecond)
	return ws
}

func read(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestWebsocketPeersRelay(t *testing.T) {
	hub, server := newTestServer(t, relay.ConnOptions{})
	alice := dial(t, hub, server, 1)
	bob := dial(t, hub, server, 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.Equal(t, "MSG hello", read(t, bob))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.Equal(t, "PONG", read(t, bob))
}

func TestWebsocketMessageWithSeveralLines(t *testing.T) {
	hub, server := newTestServer(t, relay.ConnOptions{MaxLineLength: 8})
	alice := dial(t, hub, server, 1)
	bob := dial(t, hub, server, 2)

	payload := "one\r\n" + strings.Repeat("x", 20) + "\ntwo\n"
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(payload)))

	require.Equal(t, "MSG one", read(t, bob))
	require.Equal(t, "MSG two", read(t, bob))
}

func TestPeersEndpointListsRegistry(t *testing.T) {
	hub, server := newTestServer(t, relay.ConnOptions{})
	dial(t, hub, server, 1)

	resp, err := http.Get(server.URL + "/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var peers []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Len(t, peers, 1)
	require.True(t, strings.HasPrefix(peers[0], "ws://"), peers[0])
}

func TestStatsEndpointReportsMetrics(t *testing.T) {
	hub, server := newTestServer(t, relay.ConnOptions{})
	dial(t, hub, server, 1)

	resp, err := http.Get(server.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.EqualValues(t, 1, stats[metrics.Peers]["count"])
	require.EqualValues(t, 0, stats[metrics.Backlog]["value"])
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	_, server := newTestServer(t, relay.ConnOptions{})

	resp, err := http.Get(server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
