package collab

import (
	"time"

	"syncServer/backend/internal/ot/delta"
)

// Event 是引擎出站的会话级事件。
// Type 字段冗余进结构体本身，前端按 type 分发。
type Event interface {
	EventType() string
}

// Gateway 把事件扇出给某个文档当前的所有参与者。
// 引擎只依赖这个接口，不感知具体传输（ws/Hub 是其中一个实现）。
// 实现必须非阻塞：慢消费者由实现自行降级，不允许拖住引擎的提交路径。
type Gateway interface {
	Broadcast(docID string, evt Event, excludeParticipant string)
}

type ContentUpdated struct {
	Type        string      `json:"type"` // 固定 "content_updated"
	DocID       string      `json:"docId"`
	Version     uint64      `json:"version"`
	AuthorID    string      `json:"authorId"`
	OperationID string      `json:"operationId"`
	Ops         delta.Delta `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

type PresenceChanged struct {
	Type         string   `json:"type"` // 固定 "presence_changed"
	DocID        string   `json:"docId"`
	Participants []string `json:"participants"`
}

type ChatReceived struct {
	Type          string    `json:"type"` // 固定 "chat_received"
	DocID         string    `json:"docId"`
	ParticipantID string    `json:"participantId"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e ContentUpdated) EventType() string  { return e.Type }
func (e PresenceChanged) EventType() string { return e.Type }
func (e ChatReceived) EventType() string    { return e.Type }

func newContentUpdated(p AppliedPatch) ContentUpdated {
	return ContentUpdated{
		Type:        "content_updated",
		DocID:       p.DocID,
		Version:     p.Version,
		AuthorID:    p.AuthorID,
		OperationID: p.OperationID,
		Ops:         p.Ops,
		AppliedAt:   p.AppliedAt,
	}
}

// NopGateway 丢弃一切广播，给不需要扇出的场景（工具/部分测试）用。
type NopGateway struct{}

func (NopGateway) Broadcast(string, Event, string) {}
