package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fluxmesh/orchestrator/internal/identity"
	"github.com/fluxmesh/orchestrator/internal/notify"
)

const (
	dashboardWriteWait  = 10 * time.Second
	dashboardPongWait   = 60 * time.Second
	dashboardPingPeriod = (dashboardPongWait * 9) / 10
	dashboardMaxMessage = 512
)

// dashboardUpgrader performs the HTTP -> WebSocket upgrade for dashboard
// connections. CheckOrigin always returns true; origin enforcement is left
// to a reverse proxy in front of this service.
var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DashboardWSHandler handles GET /ws, the read-only event feed for
// external dashboards (deployment status, node status, job logs). It is a
// distinct endpoint from the worker protocol's /ws/node — that one is the
// Worker Session Protocol's own register/upgrade handshake served directly
// by session.Manager, while this one fans out notify.Hub events to browser
// clients.
//
// Authentication uses a JWT passed as the token query parameter, not the
// Authorization header, since the browser WebSocket API cannot set custom
// headers on the upgrade request.
type DashboardWSHandler struct {
	hub      *notify.Hub
	verifier identity.Verifier
	logger   *zap.Logger
}

// NewDashboardWSHandler creates a new DashboardWSHandler.
func NewDashboardWSHandler(hub *notify.Hub, verifier identity.Verifier, logger *zap.Logger) *DashboardWSHandler {
	return &DashboardWSHandler{hub: hub, verifier: verifier, logger: logger.Named("dashboard_ws")}
}

// ServeHTTP authenticates the connection, resolves the requested topics,
// upgrades to WebSocket, and runs the read/write pumps. It blocks until the
// connection closes, which is expected for a WebSocket handler.
func (h *DashboardWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	id, err := h.verifier.Verify(r.Context(), tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	topics := resolveDashboardTopics(r, id)
	if len(topics) == 0 {
		ErrBadRequest(w, "at least one topic is required")
		return
	}

	conn, err := dashboardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("client_id", id.ClientID), zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(topics...)
	h.logger.Info("dashboard client connected",
		zap.String("client_id", id.ClientID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	go dashboardReadPump(conn, sub)
	dashboardWritePump(conn, sub)

	h.logger.Info("dashboard client disconnected", zap.String("client_id", id.ClientID))
}

// resolveDashboardTopics builds the topic list for a connection from the
// comma-separated topics query parameter. Unknown topic strings are
// harmless — notify.Hub simply never delivers events for a topic nobody
// ever publishes to.
func resolveDashboardTopics(r *http.Request, _ identity.ClientIdentity) []string {
	seen := make(map[string]struct{})
	var topics []string

	raw := r.URL.Query().Get("topics")
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	return topics
}

// dashboardReadPump discards incoming frames — the dashboard feed is
// server-push only — and exists to detect disconnection and keep the pong
// deadline fresh, unregistering the subscriber when the connection drops.
func dashboardReadPump(conn *websocket.Conn, sub *notify.Subscriber) {
	defer sub.Close()
	defer conn.Close()

	conn.SetReadLimit(dashboardMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// dashboardWritePump forwards events from the subscriber's channel to the
// wire and sends periodic pings. It is the only goroutine writing to conn —
// gorilla/websocket connections are not safe for concurrent writes.
func dashboardWritePump(conn *websocket.Conn, sub *notify.Subscriber) {
	ticker := time.NewTicker(dashboardPingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case ev, ok := <-sub.Recv():
			_ = conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
