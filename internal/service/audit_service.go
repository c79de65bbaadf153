package service

import (
	"context"
	"sort"

	"hierarchyflow/internal/model"
	"hierarchyflow/internal/repository"
	"hierarchyflow/pkg/pagination"
)

type AuditLogResponse struct {
	RequestID    string `json:"request_id"`
	RequestTitle string `json:"request_title"`
	UserID       string `json:"user_id"`
	Action       string `json:"action"`
	Notes        string `json:"notes"`
	CreatedAt    string `json:"created_at"`
}

// AuditService is the activity feed: every request's history, newest first.
type AuditService interface {
	GetAuditLogs(ctx context.Context, requestID string, page, limit int) ([]AuditLogResponse, int64, error)
}

type auditService struct {
	store repository.Store
}

// NewAuditService creates a new AuditService instance
func NewAuditService(store repository.Store) AuditService {
	return &auditService{store: store}
}

type flatEntry struct {
	req   *model.Request
	entry model.AuditEntry
	seq   int
}

// GetAuditLogs flattens request histories. With requestID set only that request's
// trail is returned. Entries are never rewritten, so the feed is a pure projection.
func (s *auditService) GetAuditLogs(ctx context.Context, requestID string, page, limit int) ([]AuditLogResponse, int64, error) {
	var entries []flatEntry
	collect := func(req *model.Request) {
		for i, h := range req.History {
			entries = append(entries, flatEntry{req: req, entry: h, seq: i})
		}
	}

	if requestID != "" {
		req, err := s.store.Requests.FindByID(ctx, requestID)
		if err != nil {
			return nil, 0, translate("request", requestID, err)
		}
		collect(req)
	} else if err := eachRequest(ctx, s.store.Requests, collect); err != nil {
		return nil, 0, translate("request", "", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
			return a.entry.Timestamp.After(b.entry.Timestamp)
		}
		if a.req.ID != b.req.ID {
			return a.req.ID < b.req.ID
		}
		return a.seq > b.seq
	})

	total := int64(len(entries))
	start, end := pagination.New(page, limit).Bounds(len(entries))
	res := make([]AuditLogResponse, 0, end-start)
	for _, e := range entries[start:end] {
		res = append(res, AuditLogResponse{
			RequestID:    e.req.ID,
			RequestTitle: e.req.Title,
			UserID:       e.entry.UserID,
			Action:       e.entry.Action,
			Notes:        e.entry.Notes,
			CreatedAt:    e.entry.Timestamp.Format("2006-01-02 15:04:05"),
		})
	}
	return res, total, nil
}
