package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/engine"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	eventQueue = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Source is what the progress feed reads from.
type Source interface {
	Snapshot() (engine.Snapshot, error)
	Subscribe(engine.Listener) (unsubscribe func())
}

// Message is one frame on the progress feed.
type Message struct {
	Type     string           `json:"type"`
	Snapshot *engine.Snapshot `json:"snapshot,omitempty"`
	Event    *engine.Event    `json:"event,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Handler streams progress snapshots over websockets.
type Handler struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates a feed that pushes a snapshot every interval and
// after every engine event.
func NewHandler(source Source, interval time.Duration, logger *zap.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Handler{source: source, interval: interval, logger: logger.Named("ws"), metrics: metrics}
}

// HandleConnection upgrades the request and runs the feed until the client
// goes away.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	events := make(chan engine.Event, eventQueue)
	var closeOnce sync.Once
	closed := make(chan struct{})
	unsubscribe := h.source.Subscribe(func(ev engine.Event) {
		select {
		case events <- ev:
		case <-closed:
		default:
			// The client is behind; the next snapshot covers it.
		}
	})
	defer unsubscribe()

	go h.readPump(conn, func() { closeOnce.Do(func() { close(closed) }) })

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	if err := h.sendSnapshot(conn); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			if err := h.send(conn, Message{Type: "event", Event: &ev}); err != nil {
				return
			}
			if err := h.sendSnapshot(conn); err != nil {
				return
			}
		case <-ticker.C:
			if err := h.sendSnapshot(conn); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so control messages are processed, and
// calls done when the connection closes.
func (h *Handler) readPump(conn *websocket.Conn, done func()) {
	defer done()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) sendSnapshot(conn *websocket.Conn) error {
	snap, err := h.source.Snapshot()
	if err != nil {
		_ = h.send(conn, Message{Type: "error", Error: err.Error()})
		return err
	}
	return h.send(conn, Message{Type: "progress", Snapshot: &snap})
}

func (h *Handler) send(conn *websocket.Conn, msg Message) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode progress message", zap.Error(err))
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
