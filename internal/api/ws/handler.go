package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/domain/events"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the HTTP middleware
	},
}

// Message is a frame sent to clients.
type Message struct {
	Type      string        `json:"type"`
	Message   string        `json:"message,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// inbound is a frame received from clients.
type inbound struct {
	Type string `json:"type"`
}

// Subscriber hands out event subscriptions. *events.Bus implements it.
type Subscriber interface {
	Subscribe(filter events.Filter) *events.Subscription
}

// Handler manages WebSocket connections
type Handler struct {
	bus     Subscriber
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(bus Subscriber, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		bus:     bus,
		metrics: metrics,
		logger:  logger.Named("ws"),
	}
}

// HandleConnection upgrades the request and streams events until the
// client goes away or the bus closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	sub := h.bus.Subscribe(filter)
	defer sub.Close()

	log := h.logger.With(zap.String("remote", c.ClientIP()), logging.DeviceID(filter.DeviceID))
	log.Debug("event stream opened")

	pongs := make(chan struct{}, 1)
	done := make(chan struct{})
	go h.readLoop(conn, pongs, done)

	if err := h.send(conn, Message{Type: "system", Message: "Connected to device event stream"}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := h.send(conn, Message{Type: "event", Event: &e}); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-pongs:
			if err := h.send(conn, Message{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			log.Debug("event stream closed")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// readLoop consumes client frames; gorilla needs a reader to process
// control frames. It closes done when the connection ends.
func (h *Handler) readLoop(conn *websocket.Conn, pongs chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg Message) error {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func parseFilter(c *gin.Context) (events.Filter, error) {
	f := events.Filter{DeviceID: c.Query("device_id")}
	if err := utils.ValidateDeviceID(f.DeviceID, false); err != nil {
		return f, err
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, events.Type(t))
			}
		}
	}
	return f, nil
}
