package collab

import (
	"context"
	"errors"
	"time"

	"syncServer/backend/internal/ot/delta"
)

// 错误分类：
// - ErrConflict / ErrNotFound 同步返回给提交方
// - 持久化/广播失败在引擎内部消化（日志 + 重试），不回滚已接受的内存状态
var (
	// baseVersion 与当前版本不符，或补丁无法干净应用。
	// 客户端唯一的恢复路径：重新 Join 拿快照，基于新版本重算编辑。
	ErrConflict = errors.New("CONFLICT")

	// 操作引用了一个未加入该文档的参与者。
	ErrNotFound = errors.New("NOT_FOUND")

	// 同一 clientId 的 clientSeq 没有前进，视为重复投递或乱序。
	ErrDuplicatePatch = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
)

// Snapshot 是 Join 返回的权威状态快照。
type Snapshot struct {
	DocID        string   `json:"docId"`
	Content      string   `json:"content"`
	Version      uint64   `json:"version"`
	Participants []string `json:"participants"`
}

// PatchSubmission 是一次补丁提交。
// ClientSeq 为 0 表示该客户端不参与去重窗口。
type PatchSubmission struct {
	BaseVersion uint64
	ClientID    string
	ClientSeq   uint64
	Ops         delta.Delta
}

// AppliedPatch 是被接受的补丁及其分配到的版本。
type AppliedPatch struct {
	OperationID string      `json:"operationId"`
	DocID       string      `json:"docId"`
	Version     uint64      `json:"version"`
	AuthorID    string      `json:"authorId"`
	Ops         delta.Delta `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

// Service 是协作引擎的唯一入口，按 docID 路由到对应的文档会话。
type Service interface {
	Join(ctx context.Context, docID, participantID string) (Snapshot, error)
	Leave(ctx context.Context, docID, participantID string) error
	SubmitPatch(ctx context.Context, docID, participantID string, sub PatchSubmission) (AppliedPatch, error)
	Chat(ctx context.Context, docID, participantID, message string) error

	// PatchesSince 返回 ring 窗口内 version > fromVersion 的补丁，用于断线追平。
	// 窗口覆盖不到时返回空，客户端应当重新 Join。
	PatchesSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedPatch, error)

	CurrentVersion(ctx context.Context, docID string) (uint64, error)
}
