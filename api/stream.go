package api

import (
	"net/http"
	"sync"
	"time"

	"aegis/core"
	"aegis/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 54 * time.Second
	// streamSendBuffer bounds each client's outbound queue. A client that
	// cannot keep up is disconnected rather than allowed to stall the hub.
	streamSendBuffer = 64
)

// StreamEvent is the JSON frame pushed to stream clients
type StreamEvent struct {
	Event          string             `json:"event"`
	SubscriptionID string             `json:"subscription_id"`
	Threat         *core.ThreatRecord `json:"threat"`
	SentAt         time.Time          `json:"sent_at"`
}

// streamClient is one connected websocket consumer bound to a subscription
type streamClient struct {
	subscriptionID string
	conn           *websocket.Conn
	send           chan *StreamEvent
}

// StreamHub routes dispatched threats to websocket clients by subscription.
// It implements the dispatcher's StreamPublisher: publishing never blocks, and
// a client whose buffer is full is dropped.
type StreamHub struct {
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]map[*streamClient]struct{} // subscriptionID -> clients

	register   chan *streamClient
	unregister chan *streamClient
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewStreamHub creates a stream hub
func NewStreamHub(logger *zap.SugaredLogger) *StreamHub {
	return &StreamHub{
		logger:     logger,
		clients:    make(map[string]map[*streamClient]struct{}),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the hub loop
func (h *StreamHub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop closes every client connection and halts the loop
func (h *StreamHub) Stop() {
	close(h.stopCh)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			close(client.send)
			_ = client.conn.Close()
		}
	}
	h.clients = make(map[string]map[*streamClient]struct{})
}

func (h *StreamHub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.stopCh:
			return
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.subscriptionID] == nil {
				h.clients[client.subscriptionID] = make(map[*streamClient]struct{})
			}
			h.clients[client.subscriptionID][client] = struct{}{}
			h.mu.Unlock()
			metrics.StreamClients.Inc()
			h.logger.Debugw("Stream client connected", "subscription_id", client.subscriptionID)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *StreamHub) removeClient(client *streamClient) {
	h.mu.Lock()
	clients, ok := h.clients[client.subscriptionID]
	if ok {
		if _, present := clients[client]; present {
			delete(clients, client)
			close(client.send)
			metrics.StreamClients.Dec()
		}
		if len(clients) == 0 {
			delete(h.clients, client.subscriptionID)
		}
	}
	h.mu.Unlock()
}

// PublishThreat pushes a threat to every client of the subscription.
// Implements dispatch.StreamPublisher.
func (h *StreamHub) PublishThreat(threat *core.ThreatRecord, sub *core.Subscription) {
	event := &StreamEvent{
		Event:          "threat.detected",
		SubscriptionID: sub.ID,
		Threat:         threat,
		SentAt:         time.Now().UTC(),
	}

	h.mu.RLock()
	var overflowed []*streamClient
	for client := range h.clients[sub.ID] {
		select {
		case client.send <- event:
		default:
			overflowed = append(overflowed, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range overflowed {
		h.logger.Warnw("Stream client too slow, disconnecting",
			"subscription_id", client.subscriptionID)
		h.removeClient(client)
		_ = client.conn.Close()
	}
}

// upgrader checks origins at the handler level
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream upgrades a connection and binds it to a subscription.
// The caller must own the subscription and the subscription must carry the
// stream channel.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	if subscriptionID == "" {
		writeError(w, http.StatusBadRequest, "subscription_id query parameter is required", nil, s.logger)
		return
	}

	sub, err := s.subscriptions.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "subscription not found", err, s.logger)
		return
	}

	identity := identityFrom(r)
	// Websocket clients cannot set headers from browsers; accept the
	// subscriber secret as a query parameter as well.
	if secret := r.URL.Query().Get("subscriber_id"); secret != "" {
		identity.SubscriberID = secret
	}
	if sub.DeletedAt != nil || !sub.OwnedBy(identity.UserID, identity.SubscriberID) {
		writeError(w, http.StatusForbidden, "not authorized for this subscription", nil, s.logger)
		return
	}
	if !sub.HasChannel(core.ChannelStream) {
		writeError(w, http.StatusBadRequest, "subscription does not include the stream channel", nil, s.logger)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		subscriptionID: subscriptionID,
		conn:           conn,
		send:           make(chan *StreamEvent, streamSendBuffer),
	}
	s.hub.register <- client

	go s.hub.writePump(client)
	go s.hub.readPump(client)
}

// writePump drains the client's send channel onto the socket
func (h *StreamHub) writePump(client *streamClient) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// drop hands a client back to the hub loop; during shutdown the loop is gone
// and Stop closes everything itself
func (h *StreamHub) drop(client *streamClient) {
	select {
	case h.unregister <- client:
	case <-h.stopCh:
	}
}

// readPump consumes control frames and detects disconnects
func (h *StreamHub) readPump(client *streamClient) {
	defer func() {
		h.drop(client)
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
