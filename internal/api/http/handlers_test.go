package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scenehost/internal/domain/plugin"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/id"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
)

const doubler = `
plugin.on("message", function (m) { plugin.ui.postMessage(m * 2) });
plugin.on("select", function (f) { plugin.ui.postMessage("selected " + f.id) });
`

type fakeBreakers map[string]resilience.State

func (f fakeBreakers) Breakers() map[string]resilience.State { return f }

type apiTest struct {
	t       *testing.T
	router  *gin.Engine
	plugins *plugin.Manager
}

func newAPITest(t *testing.T) *apiTest {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := sandbox.DefaultConfig()
	config.LoadTimeout = 5 * time.Second
	plugins := plugin.NewManager(plugin.Options{Sandbox: config})
	t.Cleanup(func() { _ = plugins.Close() })

	router := gin.New()
	NewHandlers(plugins, fakeBreakers{"cdn.example.com": resilience.StateOpen}, nil).Register(router)
	return &apiTest{t: t, router: router, plugins: plugins}
}

func (a *apiTest) do(method, path string, body any) (int, map[string]any) {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = jsonx.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func (a *apiTest) mount(code string) string {
	a.t.Helper()
	status, body := a.do(http.MethodPost, "/instances?wait=true", map[string]any{
		"pluginId":      "test",
		"extensionId":   "doubler",
		"extensionType": "widget",
		"sourceCode":    code,
	})
	require.Equal(a.t, http.StatusCreated, status, body)
	inst := body["instance"].(map[string]any)
	return inst["id"].(string)
}

type collected struct {
	mu   sync.Mutex
	msgs []any
}

func (c *collected) add(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collected) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func TestRootAndHealth(t *testing.T) {
	api := newAPITest(t)

	status, body := api.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "scenehost", body["service"])
	assert.Equal(t, Version, body["version"])

	status, body = api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]any{"cdn.example.com": "open"}, body["circuits"])
}

func TestMountLifecycle(t *testing.T) {
	api := newAPITest(t)
	instanceID := api.mount(doubler)
	assert.True(t, id.IsValidPrefixed(instanceID, id.InstancePrefix))

	status, body := api.do(http.MethodGet, "/instances", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["instances"], 1)

	status, body = api.do(http.MethodGet, "/instances/"+instanceID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["instance"].(map[string]any)["state"])

	status, body = api.do(http.MethodGet, "/instances/"+instanceID+"/frame", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["visible"])

	status, _ = api.do(http.MethodPost, "/instances/"+instanceID+"/reload?wait=true", nil)
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = api.do(http.MethodDelete, "/instances/"+instanceID, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = api.do(http.MethodGet, "/instances/"+instanceID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMountValidation(t *testing.T) {
	api := newAPITest(t)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{name: "missing plugin id", body: map[string]any{"extensionId": "x", "sourceCode": "1"}, want: http.StatusBadRequest},
		{name: "bad extension id", body: map[string]any{"pluginId": "p", "extensionId": "a b", "sourceCode": "1"}, want: http.StatusBadRequest},
		{name: "bad auto resize", body: map[string]any{"pluginId": "p", "extensionId": "x", "sourceCode": "1", "autoResize": "diagonal"}, want: http.StatusBadRequest},
		{name: "no source", body: map[string]any{"pluginId": "p", "extensionId": "x"}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := api.do(http.MethodPost, "/instances", tt.body)
			assert.Equal(t, tt.want, status)
		})
	}

	status, body := api.do(http.MethodPost, "/instances?wait=true", map[string]any{
		"pluginId": "p", "extensionId": "broken", "sourceCode": `throw new Error("boom")`,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "boom")
}

func TestInstanceErrors(t *testing.T) {
	api := newAPITest(t)

	status, _ := api.do(http.MethodGet, "/instances/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	missing := id.NewInstanceID().String()
	for _, path := range []string{"/instances/" + missing, "/instances/" + missing + "/console"} {
		status, _ = api.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
	}
	status, _ = api.do(http.MethodDelete, "/instances/"+missing, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMessagesAndEvents(t *testing.T) {
	api := newAPITest(t)
	instanceID := api.mount(doubler)
	inst, err := api.plugins.Get(instanceID)
	require.NoError(t, err)

	var box collected
	inst.Host.OnMessage(box.add)

	status, _ := api.do(http.MethodPost, "/instances/"+instanceID+"/messages", 21)
	assert.Equal(t, http.StatusAccepted, status)

	status, _ = api.do(http.MethodPost, "/instances/"+instanceID+"/events", map[string]any{
		"type": "select", "args": []any{map[string]any{"id": "f1"}},
	})
	assert.Equal(t, http.StatusAccepted, status)

	status, body := api.do(http.MethodPost, "/events", map[string]any{
		"type": "select", "args": []any{map[string]any{"id": "all"}},
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, 1.0, body["delivered"])

	require.Eventually(t, func() bool { return len(box.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []any{42.0, "selected f1", "selected all"}, box.all())

	status, _ = api.do(http.MethodPost, "/events", map[string]any{"type": "Bad Type"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFrameControls(t *testing.T) {
	api := newAPITest(t)
	instanceID := api.mount(doubler)

	status, body := api.do(http.MethodPut, "/instances/"+instanceID+"/visible", map[string]any{"visible": false})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["frame"].(map[string]any)["visible"])

	status, _ = api.do(http.MethodPut, "/instances/"+instanceID+"/visible", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = api.do(http.MethodPut, "/instances/"+instanceID+"/auto-resize", map[string]any{"mode": "height"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "height", body["frame"].(map[string]any)["autoResize"])

	status, _ = api.do(http.MethodPut, "/instances/"+instanceID+"/auto-resize", map[string]any{"mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTrees(t *testing.T) {
	api := newAPITest(t)

	status, _ := api.do(http.MethodGet, "/trees/terrain", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := api.do(http.MethodPut, "/trees/terrain/base", map[string]any{
		"exaggeration": 1, "layers": map[string]any{"roads": true},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["merged"].(map[string]any)["exaggeration"])

	status, body = api.do(http.MethodPut, "/trees/terrain/common", map[string]any{"exaggeration": 2})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{
		"exaggeration": 2.0,
		"layers":       map[string]any{"roads": true},
	}, body["merged"])

	status, body = api.do(http.MethodGet, "/trees/terrain/merged", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2.0, body["exaggeration"])

	status, body = api.do(http.MethodGet, "/trees", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body["trees"], "terrain")

	status, _ = api.do(http.MethodPut, "/trees/terrain/common", []any{1, 2})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = api.do(http.MethodDelete, "/trees/terrain/common", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1.0, body["merged"].(map[string]any)["exaggeration"])
}
