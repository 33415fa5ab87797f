package store

import (
	"context"
	"errors"
	"time"
)

// Revision 是一次被接受的变更落库后的不可变记录。
// 只追加，不更新不删除；回放某个文档的 Revision 序列即可重建其内容。
type Revision struct {
	DocID     string
	Version   uint64
	Content   string
	AuthorID  string
	CreatedAt time.Time
}

var ErrNoRevisions = errors.New("no revisions for document")

// RevisionStore 是持久层适配接口。
// 实现：MySQLRevisionStore（gorm），MemoryRevisionStore（测试用）。
type RevisionStore interface {
	// Append 追加一条 Revision。
	// 同一 (docID, version) 重复写入视为无操作（驱逐时的兜底落盘会触发）。
	Append(ctx context.Context, rev Revision) error

	// Latest 返回该文档版本号最高的 Revision；没有任何记录时返回 ErrNoRevisions。
	Latest(ctx context.Context, docID string) (Revision, error)

	// List 返回 version > fromVersion 的记录，按 version 升序，最多 limit 条（limit<=0 不限制）。
	List(ctx context.Context, docID string, fromVersion uint64, limit int) ([]Revision, error)
}
