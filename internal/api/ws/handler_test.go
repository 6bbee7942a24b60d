package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scenehost/internal/domain/plugin"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/id"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

const echoPlugin = `
plugin.on("message", function (m) { plugin.ui.postMessage(m * 2) });
plugin.on("select", function (f) { plugin.ui.render("<b>" + f.id + "</b>") });
`

type received struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Data       any    `json:"data"`
}

func setup(t *testing.T) (*plugin.Manager, *plugin.Instance, *httptest.Server, *monitoring.Metrics) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := sandbox.DefaultConfig()
	config.LoadTimeout = 5 * time.Second
	metrics := monitoring.NewMetrics()
	m := plugin.NewManager(plugin.Options{Sandbox: config, Metrics: metrics})
	t.Cleanup(func() { _ = m.Close() })

	inst, err := m.Mount(plugin.Spec{
		PluginID:      "test",
		ExtensionID:   "echo",
		ExtensionType: "widget",
		Source:        sandbox.Source{Code: echoPlugin},
		Visible:       true,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inst.Host.WaitReady(ctx))

	router := gin.New()
	router.GET("/instances/:id/stream", NewHandler(m, metrics, nil).HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return m, inst, srv, metrics
}

func dial(t *testing.T, srv *httptest.Server, instanceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/instances/" + instanceID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", typ)
		var f received
		require.NoError(t, jsonx.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := jsonx.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestStreamRoundTrip(t *testing.T) {
	_, inst, srv, _ := setup(t)
	conn := dial(t, srv, inst.ID)

	hello := readUntil(t, conn, "connected")
	assert.Equal(t, inst.ID, hello.InstanceID)
	frame, ok := hello.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, frame["connectionId"], "ws_")

	send(t, conn, map[string]any{"type": "message", "data": 21})
	msg := readUntil(t, conn, "message")
	assert.Equal(t, 42.0, msg.Data)

	send(t, conn, map[string]any{"type": "ping"})
	readUntil(t, conn, "pong")

	send(t, conn, map[string]any{"type": "event", "event": "select", "args": []any{map[string]any{"id": "f1"}}})
	render := readUntil(t, conn, "render")
	assert.Contains(t, render.Data, "f1")
}

func TestStreamRejectsBadFrames(t *testing.T) {
	_, inst, srv, _ := setup(t)
	conn := dial(t, srv, inst.ID)
	readUntil(t, conn, "connected")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	bad := readUntil(t, conn, "error")
	assert.Contains(t, bad.Data.(map[string]any)["message"], "invalid frame")

	send(t, conn, map[string]any{"type": "launch"})
	unknown := readUntil(t, conn, "error")
	assert.Equal(t, "unknown message type", unknown.Data.(map[string]any)["message"])

	send(t, conn, map[string]any{"type": "event", "event": "Not Valid"})
	readUntil(t, conn, "error")
}

func TestStreamClosesOnUnmount(t *testing.T) {
	m, inst, srv, metrics := setup(t)
	conn := dial(t, srv, inst.ID)
	readUntil(t, conn, "connected")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WSConnections) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Unmount(inst.ID))

	state := readUntil(t, conn, "state")
	assert.Equal(t, "torn_down", state.Data)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WSConnections) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamUnknownInstance(t *testing.T) {
	_, _, srv, _ := setup(t)

	resp, err := http.Get(srv.URL + "/instances/" + id.NewInstanceID().String() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/instances/nope/stream")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
