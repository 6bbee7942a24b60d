package ws

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scenehost/internal/domain/plugin"
	"github.com/GriffinCanCode/scenehost/internal/events"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scenehost/internal/sandbox"
	"github.com/GriffinCanCode/scenehost/internal/shared/id"
	"github.com/GriffinCanCode/scenehost/internal/shared/jsonx"
	"github.com/GriffinCanCode/scenehost/internal/shared/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	queueSize  = 256
)

// Frame is one server to client message.
type Frame struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId,omitempty"`
	Data       any    `json:"data,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Inbound is one client to server message.
type Inbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data"`
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

// Handler manages WebSocket connections
type Handler struct {
	plugins  *plugin.Manager
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler
func NewHandler(plugins *plugin.Manager, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		plugins: plugins,
		metrics: metrics,
		logger:  logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origins are enforced by the CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection streams one instance's messages and frame events to the page and
// accepts messages and events for it.
func (h *Handler) HandleConnection(c *gin.Context) {
	instanceID := c.Param("id")
	if err := utils.ValidateInstanceID(instanceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst, err := h.plugins.Get(instanceID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:     id.NewConnectionID(),
		conn:   conn,
		inst:   inst,
		logger: h.logger,
		out:    make(chan Frame, queueSize),
		done:   make(chan struct{}),
	}
	s.logger = h.logger.With(zap.String("conn_id", s.id.String()), zap.String("instance_id", inst.ID))

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	s.run()
}

type session struct {
	id     id.ConnectionID
	conn   *websocket.Conn
	inst   *plugin.Instance
	logger *zap.Logger

	out       chan Frame
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func (s *session) run() {
	defer s.conn.Close()

	listeners := make(map[events.Type]*events.Listener, len(sandbox.FrameEvents))
	for _, t := range sandbox.FrameEvents {
		listeners[t] = s.inst.Host.On(t, s.relay(t))
	}
	defer func() {
		for t, l := range listeners {
			s.inst.Host.Off(t, l)
		}
	}()

	s.logger.Info("Host page connected")
	s.enqueue(Frame{Type: "connected", Data: gin.H{
		"connectionId": s.id.String(),
		"frame":        s.inst.Host.Frame(),
	}})

	go s.writeLoop()
	s.readLoop()
	s.close()

	s.logger.Info("Host page disconnected", zap.Int64("dropped", s.dropped.Load()))
}

// relay turns a host event into a frame. It runs on the emitting goroutine and never
// blocks it.
func (s *session) relay(t events.Type) events.Handler {
	return func(args ...any) {
		var data any
		if len(args) > 0 {
			data = args[0]
		}
		if err, ok := data.(error); ok {
			data = err.Error()
		}
		s.enqueue(Frame{Type: string(t), Data: data})

		if t == sandbox.EventState && data == sandbox.StateTornDown {
			s.close()
		}
	}
}

func (s *session) enqueue(f Frame) {
	f.InstanceID = s.inst.ID
	f.Timestamp = time.Now().UnixMilli()

	select {
	case <-s.done:
	case s.out <- f:
	default:
		s.dropped.Add(1)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			if err := s.write(f); err != nil {
				s.logger.Debug("Write failed", zap.Error(err))
				s.close()
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			s.drain()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
			return
		}
	}
}

// drain flushes frames queued before the session closed.
func (s *session) drain() {
	for {
		select {
		case f := <-s.out:
			if s.write(f) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(f Frame) error {
	data, err := jsonx.Marshal(f)
	if err != nil {
		s.logger.Warn("Dropping unencodable frame", zap.String("type", f.Type), zap.Error(err))
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(utils.MaxJSONSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg Inbound
		if err := jsonx.Unmarshal(data, &msg); err != nil {
			s.sendError("invalid frame: " + err.Error())
			continue
		}
		if err := s.handle(msg); err != nil {
			s.sendError(err.Error())
		}

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *session) handle(msg Inbound) error {
	switch msg.Type {
	case "message":
		if err := utils.ValidatePayload(msg.Data); err != nil {
			return err
		}
		return s.inst.Host.PostMessage(msg.Data)
	case "event":
		if err := utils.ValidateEventType(msg.Event); err != nil {
			return err
		}
		if err := utils.ValidatePayload(msg.Args); err != nil {
			return err
		}
		return s.inst.Host.DispatchEvent(events.Type(msg.Event), msg.Args...)
	case "ping":
		s.enqueue(Frame{Type: "pong"})
		return nil
	default:
		return errors.New("unknown message type")
	}
}

func (s *session) sendError(msg string) {
	s.enqueue(Frame{Type: "error", Data: gin.H{"message": msg}})
}
