package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
)

// Conn 是一个参与者的一条 WebSocket 连接。
// readLoop 串行处理入站消息；出站消息（包括引擎广播）统一走 send 通道，
// 由 writeLoop 单独消费，保证对同一连接的写不会并发。
type Conn struct {
	ws            *websocket.Conn
	hub           *Hub
	svc           collab.Service
	presence      cache.PresenceCache
	sem           *collab.SemaphoreControl
	participantID string
	docID         string

	send       chan collab.Event
	sendMu     sync.Mutex
	sendClosed bool

	// 超过这个间隔没有任何入站消息（含心跳），视为隐式 Leave
	readTimeout time.Duration
}

func NewConn(ws *websocket.Conn, hub *Hub, svc collab.Service, presence cache.PresenceCache, sem *collab.SemaphoreControl, participantID string, readTimeout time.Duration) *Conn {
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	return &Conn{
		ws:            ws,
		hub:           hub,
		svc:           svc,
		presence:      presence,
		sem:           sem,
		participantID: participantID,
		send:          make(chan collab.Event, 32),
		readTimeout:   readTimeout,
	}
}

// enqueue 非阻塞入队：队列满了直接丢弃该消息。
// 丢消息的连接之后要么靠 patches_since 追平，要么重新 join 拿快照。
func (c *Conn) enqueue(evt collab.Event) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- evt:
	default:
	}
}

// closeSend 必须在连接已从所有房间摘除之后调用。
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.detach(ctx)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			// 连接断开或读超时：交给 detach 做隐式 Leave
			log.Printf("read json error (participant=%s, doc=%s): %v", c.participantID, c.docID, err)
			return
		}

		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)

		case "leave":
			c.handleLeave(ctx)

		case "patch_submit":
			c.handlePatchSubmit(ctx, msg)

		case "chat":
			if err := c.svc.Chat(ctx, c.docID, c.participantID, msg.Message); err != nil {
				c.enqueue(ErrorMessage{Type: "error", Code: reasonOf(err), Content: err.Error()})
			}

		case "patches_since":
			patches, err := c.svc.PatchesSince(ctx, c.docID, msg.FromVersion, 0)
			if err != nil {
				c.enqueue(ErrorMessage{Type: "error", Code: reasonOf(err), Content: err.Error()})
				continue
			}
			c.enqueue(PatchesSinceMessage{Type: "patches_since", DocID: c.docID, Patches: patches})

		case "heartbeat":
			if c.docID != "" {
				if err := c.presence.AddMember(ctx, c.docID, c.participantID, c.readTimeout); err != nil {
					log.Printf("presence refresh error: %v", err)
				}
			}
			c.enqueue(FeedbackMessage{Type: "feedback", Content: "Heartbeat received"})

		default:
			c.enqueue(ErrorMessage{Type: "error", Code: "UNKNOWN_TYPE", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.enqueue(ErrorMessage{Type: "error", Code: "BAD_REQUEST", Content: "missing docId"})
		return
	}
	// 动态切换文档：先离开旧房间
	if c.docID != "" && c.docID != msg.DocID {
		c.handleLeave(ctx)
	}

	snap, err := c.svc.Join(ctx, msg.DocID, c.participantID)
	if err != nil {
		log.Printf("join error (participant=%s, doc=%s): %v", c.participantID, msg.DocID, err)
		c.enqueue(ErrorMessage{Type: "error", Code: "JOIN_FAILED", Content: err.Error()})
		return
	}
	c.docID = msg.DocID
	c.hub.Join(c.docID, c)
	if err := c.presence.AddMember(ctx, c.docID, c.participantID, c.readTimeout); err != nil {
		log.Printf("presence add error: %v", err)
	}
	c.enqueue(JoinedMessage{
		Type:         "joined",
		DocID:        snap.DocID,
		Content:      snap.Content,
		Version:      snap.Version,
		Participants: snap.Participants,
	})
}

func (c *Conn) handleLeave(ctx context.Context) {
	if c.docID == "" {
		return
	}
	docID := c.docID
	c.docID = ""
	c.hub.Leave(docID, c)
	if err := c.svc.Leave(ctx, docID, c.participantID); err != nil {
		log.Printf("leave error (participant=%s, doc=%s): %v", c.participantID, docID, err)
	}
	if err := c.presence.RemoveMember(ctx, docID, c.participantID); err != nil {
		log.Printf("presence remove error: %v", err)
	}
	c.enqueue(LeftMessage{Type: "left", DocID: docID})
}

func (c *Conn) handlePatchSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(submitCtx); err != nil {
			c.enqueue(ErrorMessage{Type: "error", Code: "BUSY", Content: err.Error()})
			return
		}
		defer func() { _ = c.sem.Release() }()
	}

	applied, err := c.svc.SubmitPatch(submitCtx, c.docID, c.participantID, collab.PatchSubmission{
		BaseVersion: msg.BaseVersion,
		ClientID:    msg.ClientID,
		ClientSeq:   msg.ClientSeq,
		Ops:         msg.Ops,
	})
	if err != nil {
		c.enqueue(PatchRejectedMessage{
			Type:      "patch_rejected",
			Reason:    reasonOf(err),
			DocID:     c.docID,
			ClientID:  msg.ClientID,
			ClientSeq: msg.ClientSeq,
		})
		return
	}
	c.enqueue(PatchAppliedMessage{
		Type:        "patch_applied",
		DocID:       c.docID,
		BaseVersion: msg.BaseVersion,
		Version:     applied.Version,
		OperationID: applied.OperationID,
		ClientID:    msg.ClientID,
		ClientSeq:   msg.ClientSeq,
	})
}

// detach 在连接结束时执行隐式 Leave（显式 leave 过的连接 docID 已清空）。
func (c *Conn) detach(ctx context.Context) {
	if c.docID == "" {
		return
	}
	docID := c.docID
	c.docID = ""
	c.hub.Leave(docID, c)
	if err := c.svc.Leave(ctx, docID, c.participantID); err != nil {
		log.Printf("implicit leave error (participant=%s, doc=%s): %v", c.participantID, docID, err)
	}
	if err := c.presence.RemoveMember(ctx, docID, c.participantID); err != nil {
		log.Printf("presence remove error: %v", err)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站事件
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, collab.ErrConflict):
		return "CONFLICT"
	case errors.Is(err, collab.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, collab.ErrDuplicatePatch):
		return "DUPLICATE_OR_OUT_OF_ORDER"
	default:
		return "INTERNAL"
	}
}
