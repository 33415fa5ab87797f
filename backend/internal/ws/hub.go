package ws

import (
	"sync"

	"syncServer/backend/internal/collab"
)

// Hub 维护 docID -> 连接集合，并实现 collab.Gateway。
// 房间里存的是连接而不是参与者：一个参与者可开多个标签页/设备，
// 广播要逐连接发。exclude 按参与者匹配，排除其所有连接。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

var _ collab.Gateway = (*Hub)(nil)

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

// Broadcast 把事件入队到房间内除 excludeParticipant 外的所有连接。
// 入队非阻塞（慢消费者丢消息），引擎的提交路径不会被任何连接拖住。
func (h *Hub) Broadcast(docID string, evt collab.Event, excludeParticipant string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if excludeParticipant != "" && c.participantID == excludeParticipant {
			continue
		}
		c.enqueue(evt)
	}
}
