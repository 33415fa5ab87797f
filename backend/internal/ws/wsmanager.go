package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	svc      collab.Service
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl

	// 连接的读超时 = 心跳 TTL：这个窗口内没有任何消息即隐式 Leave
	heartbeatTTL time.Duration
}

func NewManager(hub *Hub, svc collab.Service, presence cache.PresenceCache, sem *collab.SemaphoreControl, heartbeatTTL time.Duration) *Manager {
	if presence == nil {
		presence = cache.NopPresence{}
	}
	return &Manager{hub: hub, svc: svc, presence: presence, sem: sem, heartbeatTTL: heartbeatTTL}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	// 鉴权中间件已写入 participantId
	participantID := c.GetString("participantId")
	if participantID == "" {
		c.String(http.StatusUnauthorized, "missing participant identity")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.svc, m.presence, m.sem, participantID, m.heartbeatTTL)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(FeedbackMessage{Type: "welcome", Content: "connected as " + participantID})

	// 最后再进入读循环（阻塞至连接关闭或读超时）
	wsConn.readLoop(c.Request.Context())
}
