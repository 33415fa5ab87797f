package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"syncServer/backend/internal/store"
)

// RevisionHandler 暴露只读的 Revision 日志（审计/调试用）。
type RevisionHandler struct {
	revStore store.RevisionStore
}

func NewRevisionHandler(revStore store.RevisionStore) *RevisionHandler {
	return &RevisionHandler{revStore: revStore}
}

// ListRevisions GET /sync/docs/:docID/revisions?from=0&limit=100
func (h *RevisionHandler) ListRevisions(c *gin.Context) {
	docID := c.Param("docID")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing"})
		return
	}

	from, _ := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	revs, err := h.revStore.List(c.Request.Context(), docID, from, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type revisionView struct {
		DocID     string `json:"docId"`
		Version   uint64 `json:"version"`
		Content   string `json:"content"`
		AuthorID  string `json:"authorId"`
		CreatedAt string `json:"createdAt"`
	}
	out := make([]revisionView, 0, len(revs))
	for _, rev := range revs {
		out = append(out, revisionView{
			DocID:     rev.DocID,
			Version:   rev.Version,
			Content:   rev.Content,
			AuthorID:  rev.AuthorID,
			CreatedAt: rev.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revisions": out})
}

// LatestRevision GET /sync/docs/:docID/revisions/latest
func (h *RevisionHandler) LatestRevision(c *gin.Context) {
	docID := c.Param("docID")
	rev, err := h.revStore.Latest(c.Request.Context(), docID)
	if errors.Is(err, store.ErrNoRevisions) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no revisions", "docId": docID})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"docId":    rev.DocID,
		"version":  rev.Version,
		"content":  rev.Content,
		"authorId": rev.AuthorID,
	})
}
