package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// documentRevision 是 document_revisions 表的 gorm 模型。
// (doc_id, version) 唯一索引保证追加幂等。
type documentRevision struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	DocID     string    `gorm:"column:doc_id;size:128;uniqueIndex:uk_doc_version;not null"`
	Version   uint64    `gorm:"uniqueIndex:uk_doc_version;not null"`
	Content   string    `gorm:"type:longtext"`
	AuthorID  string    `gorm:"column:author_id;size:128"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (documentRevision) TableName() string { return "document_revisions" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&documentRevision{}); err != nil {
		return nil, err
	}
	return db, nil
}

type MySQLRevisionStore struct{ db *gorm.DB }

func NewMySQLRevisionStore(db *gorm.DB) *MySQLRevisionStore {
	return &MySQLRevisionStore{db: db}
}

func (s *MySQLRevisionStore) Append(ctx context.Context, rev Revision) error {
	row := documentRevision{
		DocID:     rev.DocID,
		Version:   rev.Version,
		Content:   rev.Content,
		AuthorID:  rev.AuthorID,
		CreatedAt: rev.CreatedAt,
	}
	// 重复的 (doc_id, version) 直接忽略，等价于旧实现里对 1062 的处理
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (s *MySQLRevisionStore) Latest(ctx context.Context, docID string) (Revision, error) {
	var row documentRevision
	err := s.db.WithContext(ctx).
		Where("doc_id = ?", docID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Revision{}, ErrNoRevisions
	}
	if err != nil {
		return Revision{}, err
	}
	return toRevision(row), nil
}

func (s *MySQLRevisionStore) List(ctx context.Context, docID string, fromVersion uint64, limit int) ([]Revision, error) {
	q := s.db.WithContext(ctx).
		Where("doc_id = ? AND version > ?", docID, fromVersion).
		Order("version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []documentRevision
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Revision, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRevision(row))
	}
	return out, nil
}

func toRevision(row documentRevision) Revision {
	return Revision{
		DocID:     row.DocID,
		Version:   row.Version,
		Content:   row.Content,
		AuthorID:  row.AuthorID,
		CreatedAt: row.CreatedAt,
	}
}
