package service

import (
	"hierarchyflow/internal/model"
)

// record appends exactly one history entry. History is never edited in place.
func (s *workflowService) record(req *model.Request, action, actorID, notes string) {
	req.Record(model.NewAuditEntry(action, actorID, notes, s.now()))
}

func (s *workflowService) recordForm(sub *model.ChildSubmission, action, actorID, notes string) {
	sub.Audit = append(sub.Audit, model.NewAuditEntry(action, actorID, notes, s.now()))
}
