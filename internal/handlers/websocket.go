package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/bioen07-del/gmp-labwork/internal/common"
	"github.com/bioen07-del/gmp-labwork/internal/interfaces"
	"github.com/bioen07-del/gmp-labwork/internal/services/agent"
)

// writeWait bounds one write so a stalled page cannot hold up event delivery
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// Message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// broadcastEvents are forwarded to every connected page
var broadcastEvents = []interfaces.EventType{
	interfaces.EventDraftsChanged,
	interfaces.EventSyncCompleted,
	interfaces.EventConnectivityChanged,
	interfaces.EventUpdateAvailable,
}

// throttle limits one event type while always delivering the latest payload
type throttle struct {
	limiter *rate.Limiter
	mu      sync.Mutex
	pending *WSMessage
	armed   bool
}

type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	registration     *agent.Registration
	status           *StatusHandler
	throttlers       map[string]*throttle
	subscriptions    []interfaces.Subscription
	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

// NewWebSocketHandler creates the foreground channel. registration may be nil.
func NewWebSocketHandler(
	eventService interfaces.EventService,
	registration *agent.Registration,
	status *StatusHandler,
	logger arbor.ILogger,
	config *common.WebSocketConfig,
) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		registration:     registration,
		status:           status,
		throttlers:       make(map[string]*throttle),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	// Nil throttlers = no throttling
	if config != nil {
		for eventType, intervalStr := range config.ThrottleIntervals {
			duration, err := time.ParseDuration(intervalStr)
			if err != nil || duration <= 0 {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Invalid throttle interval - throttler disabled")
				continue
			}
			h.throttlers[eventType] = &throttle{limiter: rate.NewLimiter(rate.Every(duration), 1)}
			logger.Debug().
				Str("event_type", eventType).
				Str("interval", intervalStr).
				Msg("Throttler initialized")
		}
	}

	if eventService != nil {
		h.subscribeToEvents()
	}

	return h
}

func (h *WebSocketHandler) subscribeToEvents() {
	for _, eventType := range broadcastEvents {
		eventType := eventType
		sub, err := h.eventService.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			h.dispatch(WSMessage{Type: string(event.Type), Payload: event.Payload})
			return nil
		})
		if err != nil {
			h.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket handler")
			continue
		}
		h.subscriptions = append(h.subscriptions, sub)
	}
}

// dispatch broadcasts msg, deferring it when its type is throttled
func (h *WebSocketHandler) dispatch(msg WSMessage) {
	t, ok := h.throttlers[msg.Type]
	if !ok {
		h.broadcast(msg)
		return
	}

	t.mu.Lock()
	if !t.armed && t.limiter.Allow() {
		t.mu.Unlock()
		h.broadcast(msg)
		return
	}
	t.pending = &msg
	if t.armed {
		t.mu.Unlock()
		return
	}
	t.armed = true
	delay := t.limiter.Reserve().Delay()
	t.mu.Unlock()

	time.AfterFunc(delay, func() {
		t.mu.Lock()
		latest := t.pending
		t.pending = nil
		t.armed = false
		t.mu.Unlock()
		if latest != nil {
			h.broadcast(*latest)
		}
	})
}

// broadcast sends msg to all connected clients
func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

// send writes msg to one client
func (h *WebSocketHandler) send(conn *websocket.Conn, msg WSMessage) {
	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(msg)
	mutex.Unlock()
	if err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}

// sendStatus sends the current status to a newly connected client
func (h *WebSocketHandler) sendStatus(ctx context.Context, conn *websocket.Conn) {
	status := StatusUpdate{ServerInstanceID: h.serverInstanceID}
	if h.status != nil {
		status = h.status.Snapshot(ctx)
		status.ServerInstanceID = h.serverInstanceID
	}
	h.send(conn, WSMessage{Type: "status", Payload: status})
}

// HandleWebSocket upgrades the connection and runs its read loop.
// Each page gets its own controller and receives controller_changed at most once.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	var controller *agent.Controller
	if h.registration != nil {
		controller = agent.NewController(h.registration, func(version string) {
			h.send(conn, WSMessage{
				Type:    string(interfaces.EventControllerChanged),
				Payload: map[string]string{"version": version},
			})
		})
	}

	h.sendStatus(r.Context(), conn)

	defer func() {
		if controller != nil {
			controller.Close()
		}

		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", clientCount)
	}()

	for {
		var msg agent.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		h.handleMessage(r.Context(), conn, msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *websocket.Conn, msg agent.Message) {
	switch msg.Type {
	case agent.MessageSkipWaiting:
		if h.registration == nil {
			h.send(conn, WSMessage{Type: "error", Payload: map[string]string{"error": interfaces.ErrAgentDisabled.Error()}})
			return
		}
		if err := h.registration.ApplyUpdate(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("SKIP_WAITING rejected")
			h.send(conn, WSMessage{Type: "error", Payload: map[string]string{"error": err.Error()}})
		}
	default:
		h.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown WebSocket message")
	}
}

// ClientCount returns the number of connected pages
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches the handler from the event bus
func (h *WebSocketHandler) Close() {
	for _, sub := range h.subscriptions {
		sub.Close()
	}
	h.subscriptions = nil
}
