package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyserver/internal/infrastructure"
	"keyserver/internal/shared/testutil"
	ws "keyserver/internal/websocket"
	"keyserver/pkg/contracts/events"
)

func readMessage(t *testing.T, conn *gorilla.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestEventsHandler_Subscribe(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	providers, err := infrastructure.InitializeOTel(context.Background(),
		infrastructure.OTelConfig{ServiceName: "keyserver-test", TraceExporter: "none"}, logger)
	require.NoError(t, err)

	hub := ws.NewHub(logger, ws.Settings{})
	hub.Start()
	t.Cleanup(hub.Stop)

	r := chi.NewRouter()
	NewEventsHandler(hub, providers, logger).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	greeting := readMessage(t, conn)
	assert.Equal(t, string(events.MessageTypeConnect), greeting["type"])

	hub.Publish(context.Background(), events.KeyEvent{
		Type:   events.MessageTypeKeyActivated,
		Key:    "ABCD****IJKL",
		Status: "active",
		Expiry: "permanent",
		At:     testutil.Epoch,
	})

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.MessageTypeKeyActivated), msg["type"])
	data, ok := msg["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ABCD****IJKL", data["key"])
}

func TestEventsHandler_RejectsPlainHTTP(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	providers, err := infrastructure.InitializeOTel(context.Background(),
		infrastructure.OTelConfig{ServiceName: "keyserver-test", TraceExporter: "none"}, logger)
	require.NoError(t, err)

	hub := ws.NewHub(logger, ws.Settings{})
	r := chi.NewRouter()
	NewEventsHandler(hub, providers, logger).RegisterRoutes(r)

	rec := serve(r, http.MethodGet, "/events", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
