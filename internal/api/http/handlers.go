package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/channel"
	"github.com/GriffinCanCode/scenehost/internal/domain/plugin"
	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/scenehost/internal/override"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/utils"
)

// Version is reported by the root endpoint.
const Version = "0.3.0"

// BreakerSource reports circuit breaker states, keyed by remote host.
type BreakerSource interface {
	Breakers() map[string]resilience.State
}

// Handlers contains all HTTP handlers
type Handlers struct {
	plugins  *plugin.Manager
	breakers BreakerSource
	logger   *zap.Logger
	started  time.Time
}

// NewHandlers creates a new handler set. breakers may be nil.
func NewHandlers(plugins *plugin.Manager, breakers BreakerSource, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		plugins:  plugins,
		breakers: breakers,
		logger:   logger.Named("http"),
		started:  time.Now(),
	}
}

// Register adds the API routes to r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/instances", h.ListInstances)
	r.POST("/instances", h.MountInstance)
	r.GET("/instances/:id", h.GetInstance)
	r.DELETE("/instances/:id", h.UnmountInstance)
	r.POST("/instances/:id/reload", h.ReloadInstance)
	r.PUT("/instances/:id/visible", h.SetVisible)
	r.PUT("/instances/:id/auto-resize", h.SetAutoResize)
	r.POST("/instances/:id/messages", h.PostMessage)
	r.POST("/instances/:id/events", h.DispatchEvent)
	r.GET("/instances/:id/frame", h.GetFrame)
	r.GET("/instances/:id/console", h.GetConsole)
	r.POST("/events", h.Broadcast)

	r.GET("/trees", h.ListTrees)
	r.GET("/trees/:name", h.GetTree)
	r.GET("/trees/:name/merged", h.GetMerged)
	r.PUT("/trees/:name/base", h.SetBase)
	r.PUT("/trees/:name/common", h.SetCommon)
	r.DELETE("/trees/:name/common", h.ClearCommon)
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "scenehost",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	circuits := gin.H{}
	if h.breakers != nil {
		for host, state := range h.breakers.Breakers() {
			circuits[host] = state.String()
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"plugins":  h.plugins.Stats(),
		"circuits": circuits,
	})
}

// MountRequest is the body of POST /instances.
type MountRequest struct {
	PluginID      string         `json:"pluginId"`
	ExtensionID   string         `json:"extensionId"`
	ExtensionType string         `json:"extensionType"`
	Src           string         `json:"src"`
	SourceCode    string         `json:"sourceCode"`
	Visible       *bool          `json:"visible"`
	AutoResize    string         `json:"autoResize"`
	Widget        map[string]any `json:"widget"`
}

// ListInstances lists all mounted instances
func (h *Handlers) ListInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"instances": h.plugins.List(),
		"stats":     h.plugins.Stats(),
	})
}

// MountInstance mounts a plugin. With ?wait=true it answers once the load finished.
func (h *Handlers) MountInstance(c *gin.Context) {
	var req MountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateID(req.PluginID, "pluginId", true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidateID(req.ExtensionID, "extensionId", true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := sandbox.ParseAutoResize(req.AutoResize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	visible := req.Visible == nil || *req.Visible
	inst, err := h.plugins.Mount(plugin.Spec{
		PluginID:      req.PluginID,
		ExtensionID:   req.ExtensionID,
		ExtensionType: req.ExtensionType,
		Source:        sandbox.Source{URL: req.Src, Code: req.SourceCode},
		Visible:       visible,
		AutoResize:    mode,
		Widget:        req.Widget,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if c.Query("wait") == "true" {
		if err := inst.Host.WaitReady(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"instance": inst.Info(),
				"error":    err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"instance": inst.Info()})
}

// GetInstance returns an instance with its frame
func (h *Handlers) GetInstance(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance": inst.Info(),
		"frame":    inst.Host.Frame(),
	})
}

// UnmountInstance tears an instance down
func (h *Handlers) UnmountInstance(c *gin.Context) {
	instanceID := c.Param("id")
	if err := utils.ValidateInstanceID(instanceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.plugins.Unmount(instanceID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "instance_id": instanceID})
}

// ReloadInstance loads an instance again from its source
func (h *Handlers) ReloadInstance(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	if err := h.plugins.Reload(inst.ID); err != nil {
		h.respondError(c, err)
		return
	}
	if c.Query("wait") == "true" {
		if err := inst.Host.WaitReady(c.Request.Context()); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"instance": inst.Info(), "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"instance": inst.Info()})
}

// SetVisible toggles presentation
func (h *Handlers) SetVisible(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visible is required"})
		return
	}
	inst.Host.SetVisible(*req.Visible)
	c.JSON(http.StatusOK, gin.H{"frame": inst.Host.Frame()})
}

// SetAutoResize changes the auto-resize mode
func (h *Handlers) SetAutoResize(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := sandbox.ParseAutoResize(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst.Host.SetAutoResize(mode)
	c.JSON(http.StatusOK, gin.H{"frame": inst.Host.Frame()})
}

// PostMessage sends the request body to the plugin as a message
func (h *Handlers) PostMessage(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	var msg any
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidatePayload(msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := inst.Host.PostMessage(msg); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// EventRequest is the body of event dispatch endpoints.
type EventRequest struct {
	Type string `json:"type"`
	Args []any  `json:"args"`
}

func (h *Handlers) bindEvent(c *gin.Context) (EventRequest, bool) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if err := utils.ValidateEventType(req.Type); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	if err := utils.ValidatePayload(req.Args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	return req, true
}

// DispatchEvent delivers an event to one instance
func (h *Handlers) DispatchEvent(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	req, ok := h.bindEvent(c)
	if !ok {
		return
	}
	if err := inst.Host.DispatchEvent(events.Type(req.Type), req.Args...); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// Broadcast delivers an event to every ready instance
func (h *Handlers) Broadcast(c *gin.Context) {
	req, ok := h.bindEvent(c)
	if !ok {
		return
	}
	delivered, err := h.plugins.Broadcast(events.Type(req.Type), req.Args...)
	resp := gin.H{"delivered": delivered}
	if err != nil {
		h.logger.Warn("Broadcast partially failed", zap.String("type", req.Type), zap.Error(err))
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetFrame returns the presented state of an instance
func (h *Handlers) GetFrame(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, inst.Host.Frame())
}

// GetConsole returns the retained console output of an instance
func (h *Handlers) GetConsole(c *gin.Context) {
	inst, ok := h.instance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": inst.Host.Console()})
}

// ListTrees lists property tree names
func (h *Handlers) ListTrees(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trees": h.plugins.Trees().Names()})
}

// GetTree returns a tree's base, overrides and merged value
func (h *Handlers) GetTree(c *gin.Context) {
	tree, ok := h.tree(c, false)
	if !ok {
		return
	}
	store := tree.Store()
	overrides := gin.H{}
	for _, owner := range store.Owners() {
		if patch, ok := store.Get(owner); ok {
			overrides[owner] = patch
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      tree.Name(),
		"base":      tree.Base(),
		"overrides": overrides,
		"owners":    store.Owners(),
		"merged":    tree.Merged(),
		"version":   store.Version(),
	})
}

// GetMerged returns only the merged value of a tree
func (h *Handlers) GetMerged(c *gin.Context) {
	tree, ok := h.tree(c, false)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tree.Merged())
}

// SetBase replaces a tree's base value
func (h *Handlers) SetBase(c *gin.Context) {
	tree, ok := h.tree(c, true)
	if !ok {
		return
	}
	var base map[string]any
	if err := c.ShouldBindJSON(&base); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base must be a JSON object"})
		return
	}
	if err := tree.SetBase(base); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": tree.Merged()})
}

// SetCommon sets the common override of a tree. A null body clears it.
func (h *Handlers) SetCommon(c *gin.Context) {
	name := c.Param("name")
	if err := utils.ValidateTreeName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var patch any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := utils.ValidatePayload(patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.plugins.SetCommonOverride(name, patch); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": h.plugins.Trees().Tree(name).Merged()})
}

// ClearCommon removes the common override of a tree
func (h *Handlers) ClearCommon(c *gin.Context) {
	tree, ok := h.tree(c, false)
	if !ok {
		return
	}
	if err := h.plugins.SetCommonOverride(tree.Name(), nil); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": tree.Merged()})
}

func (h *Handlers) instance(c *gin.Context) (*plugin.Instance, bool) {
	instanceID := c.Param("id")
	if err := utils.ValidateInstanceID(instanceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	inst, err := h.plugins.Get(instanceID)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return inst, true
}

func (h *Handlers) tree(c *gin.Context, create bool) (*override.Tree, bool) {
	name := c.Param("name")
	if err := utils.ValidateTreeName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if create {
		return h.plugins.Trees().Tree(name), true
	}
	tree, ok := h.plugins.Trees().Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tree not found: " + name})
		return nil, false
	}
	return tree, true
}

// respondError maps domain errors to status codes.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, plugin.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, plugin.ErrInvalidSpec), errors.Is(err, override.ErrInvalidPatch):
		status = http.StatusBadRequest
	case errors.Is(err, sandbox.ErrNotReady), errors.Is(err, sandbox.ErrTornDown), errors.Is(err, channel.ErrClosed):
		status = http.StatusConflict
	case errors.Is(err, plugin.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		tracing.Logger(c.Request.Context(), h.logger).Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
