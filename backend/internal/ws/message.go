package ws

import (
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot/delta"
)

// ClientMessage 是入站消息的统一信封，按 type 分发。
type ClientMessage struct {
	Type        string `json:"type"`
	DocID       string `json:"docId"`
	BaseVersion uint64 `json:"baseVersion"`
	// 客户端实例标识。同一参与者可有多个 clientId（多端/多标签页）。
	ClientID string `json:"clientId"`
	// 针对同一个 clientId 的本地递增序号
	ClientSeq   uint64      `json:"clientSeq"`
	Ops         delta.Delta `json:"ops"`
	FromVersion uint64      `json:"fromVersion"`
	Message     string      `json:"message,omitempty"`
}

// 出站一律实现 collab.Event，和引擎的广播事件走同一条写通道。

type JoinedMessage struct {
	Type         string   `json:"type"` // 固定 "joined"
	DocID        string   `json:"docId"`
	Content      string   `json:"content"`
	Version      uint64   `json:"version"`
	Participants []string `json:"participants"`
}

type LeftMessage struct {
	Type  string `json:"type"` // 固定 "left"
	DocID string `json:"docId"`
}

// PatchAppliedMessage 是给提交者本人的 ack；
// 其他参与者收到的是引擎广播的 content_updated。
type PatchAppliedMessage struct {
	Type        string `json:"type"` // 固定 "patch_applied"
	DocID       string `json:"docId"`
	BaseVersion uint64 `json:"baseVersion"`
	Version     uint64 `json:"version"`
	OperationID string `json:"operationId"`
	ClientID    string `json:"clientId,omitempty"`
	ClientSeq   uint64 `json:"clientSeq,omitempty"`
}

type PatchRejectedMessage struct {
	Type      string `json:"type"`   // 固定 "patch_rejected"
	Reason    string `json:"reason"` // "CONFLICT" / "NOT_FOUND" / "DUPLICATE_OR_OUT_OF_ORDER"
	DocID     string `json:"docId"`
	ClientID  string `json:"clientId,omitempty"`
	ClientSeq uint64 `json:"clientSeq,omitempty"`
}

type PatchesSinceMessage struct {
	Type    string                `json:"type"` // 固定 "patches_since"
	DocID   string                `json:"docId"`
	Patches []collab.AppliedPatch `json:"patches"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	Code    string `json:"code,omitempty"`
	Content string `json:"content,omitempty"`
}

type FeedbackMessage struct {
	Type    string `json:"type"` // 固定 "feedback"
	Content string `json:"content,omitempty"`
}

func (m JoinedMessage) EventType() string        { return m.Type }
func (m LeftMessage) EventType() string          { return m.Type }
func (m PatchAppliedMessage) EventType() string  { return m.Type }
func (m PatchRejectedMessage) EventType() string { return m.Type }
func (m PatchesSinceMessage) EventType() string  { return m.Type }
func (m ErrorMessage) EventType() string         { return m.Type }
func (m FeedbackMessage) EventType() string      { return m.Type }
