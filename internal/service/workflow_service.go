package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/merge"
	"hierarchyflow/internal/metrics"
	"hierarchyflow/internal/model"
	"hierarchyflow/internal/notify"
	"hierarchyflow/internal/repository"

	"go.uber.org/zap"
)

// MinLeadTime is how far in the future a new request's timeline must lie.
const MinLeadTime = 72 * time.Hour

// --- DTOs ---

type CreateRequestDTO struct {
	Title         string            `json:"title" binding:"required"`
	InfoNeed      string            `json:"info_need" binding:"required"`
	Timeline      time.Time         `json:"timeline" binding:"required"`
	Deadline      *time.Time        `json:"deadline"`
	States        []string          `json:"states" binding:"required,min=1"`
	Branches      []string          `json:"branches"`
	Domains       []string          `json:"domains"`
	MergeStrategy map[string]string `json:"merge_strategy"`
}

type ApproveDTO struct {
	Notes           string            `json:"notes"`
	RevisedDeadline *time.Time        `json:"revised_deadline"`
	Division        string            `json:"division"`
	MergeStrategy   map[string]string `json:"merge_strategy"`
}

type DeclineDTO struct {
	Notes    string `json:"notes"`
	Division string `json:"division"`
}

type NotesDTO struct {
	Notes string `json:"notes"`
}

type FanOutDTO struct {
	State     string   `json:"state" binding:"required"`
	Divisions []string `json:"divisions"`
}

// SubmitFormDTO carries a division form. TemplateID optionally names the
// template the form was written from.
type SubmitFormDTO struct {
	RequestID  string         `json:"request_id" binding:"required"`
	Division   string         `json:"division" binding:"required"`
	State      string         `json:"state"`
	Data       map[string]any `json:"data"`
	IsDraft    bool           `json:"is_draft"`
	TemplateID string         `json:"template_id"`
}

type ReviewFormDTO struct {
	Action string `json:"action" binding:"required,oneof=approve reject"`
	Notes  string `json:"notes"`
}

type RequestFilter struct {
	Status     string
	State      string
	AssigneeID string
	Page       int
	Limit      int
}

// RequestView is a request as returned to callers, with derived fields filled in.
type RequestView struct {
	*model.Request
	Overdue bool `json:"overdue"`
	DryRun  bool `json:"dry_run,omitempty"`
}

type TransitionResult struct {
	Request        RequestView `json:"request"`
	NextAssigneeID *string     `json:"next_assignee_id"`
	// Unresolved is set when no principal holds the tier the request moved to.
	Unresolved bool `json:"unresolved"`
	DryRun     bool `json:"dry_run,omitempty"`
}

type FanOutResult struct {
	Request RequestView                `json:"request"`
	Created []model.DivisionAssignment `json:"created"`
	Skipped []string                   `json:"skipped,omitempty"`
	DryRun  bool                       `json:"dry_run,omitempty"`
}

type SubmissionResult struct {
	Submission *model.ChildSubmission `json:"submission"`
	DryRun     bool                   `json:"dry_run,omitempty"`
}

type DeleteResult struct {
	RequestID          string `json:"request_id"`
	DeletedSubmissions int64  `json:"deleted_submissions"`
	DryRun             bool   `json:"dry_run,omitempty"`
}

// --- Interface ---

type WorkflowService interface {
	CreateRequest(ctx context.Context, actorID string, dto CreateRequestDTO) (RequestView, error)
	GetRequest(ctx context.Context, id string) (RequestView, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]RequestView, int64, error)
	Approve(ctx context.Context, actorID, requestID string, dto ApproveDTO) (TransitionResult, error)
	DeclineAndImprove(ctx context.Context, actorID, requestID string, dto DeclineDTO) (TransitionResult, error)
	Reject(ctx context.Context, actorID, requestID string, dto NotesDTO) (TransitionResult, error)
	Close(ctx context.Context, actorID, requestID string, dto NotesDTO) (TransitionResult, error)
	FanOut(ctx context.Context, actorID, requestID string, dto FanOutDTO) (FanOutResult, error)
	SubmitChildForm(ctx context.Context, actorID string, dto SubmitFormDTO) (SubmissionResult, error)
	ReviewChildForm(ctx context.Context, actorID, submissionID string, dto ReviewFormDTO) (TransitionResult, error)
	ListSubmissions(ctx context.Context, requestID, state, status string) ([]model.ChildSubmission, error)
	DeleteRequest(ctx context.Context, actorID, requestID string) (DeleteResult, error)
	AvailableActions(ctx context.Context, actorID, requestID string) ([]Action, error)
	Divisions(ctx context.Context, state string) ([]string, error)
	PreviewMerge(ctx context.Context, submissionIDs []string, strategy map[string]string) (map[string]any, error)
}

type workflowService struct {
	store repository.Store
	dir   directory.Directory
	pub   notify.Publisher
	log   *zap.Logger
	now   func() time.Time
}

type Option func(*workflowService)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *workflowService) { s.now = now }
}

func NewWorkflowService(store repository.Store, dir directory.Directory, pub notify.Publisher, log *zap.Logger, opts ...Option) WorkflowService {
	if log == nil {
		log = zap.NewNop()
	}
	if pub == nil {
		pub = notify.Multi{}
	}
	s := &workflowService{store: store, dir: dir, pub: pub, log: log.Named("workflow"), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// errUnchanged aborts an update that turned out to be a no-op.
var errUnchanged = errors.New("unchanged")

// --- Implementation ---

func (s *workflowService) CreateRequest(ctx context.Context, actorID string, dto CreateRequestDTO) (view RequestView, err error) {
	defer s.observe("create", actorID, "", time.Now(), &err)

	now := s.now().UTC()
	title := strings.TrimSpace(dto.Title)
	infoNeed := strings.TrimSpace(dto.InfoNeed)
	if title == "" || infoNeed == "" {
		return RequestView{}, validationErr("missing_field", "title and info_need are required")
	}
	states := uniqueNonEmpty(dto.States)
	if len(states) == 0 {
		return RequestView{}, validationErr("missing_field", "at least one target state is required")
	}
	if dto.Timeline.Before(now.Add(MinLeadTime)) {
		return RequestView{}, &WorkflowError{
			Kind:    KindValidation,
			Code:    "timeline_too_soon",
			Message: "timeline must be at least 3 days from now",
			Details: map[string]any{"earliest": now.Add(MinLeadTime)},
		}
	}
	deadline := dto.Timeline.UTC()
	if dto.Deadline != nil {
		if dto.Deadline.After(dto.Timeline) {
			return RequestView{}, validationErr("deadline_after_timeline", "deadline may not be later than the timeline")
		}
		if dto.Deadline.Before(now) {
			return RequestView{}, validationErr("deadline_in_past", "deadline is in the past")
		}
		deadline = dto.Deadline.UTC()
	}
	if _, err := merge.ParseStrategy(dto.MergeStrategy); err != nil {
		return RequestView{}, validationErr("invalid_strategy", "%v", err)
	}

	ok, err := directory.Holds(ctx, s.dir, actorID, model.RoleNationalOversight, "", "")
	if err != nil {
		return RequestView{}, translate("principal", actorID, err)
	}
	if !ok {
		return RequestView{}, deniedErr(model.RoleNationalOversight, "only national oversight may initiate requests")
	}

	req := &model.Request{
		Title:         title,
		InfoNeed:      infoNeed,
		Timeline:      dto.Timeline.UTC(),
		Deadline:      deadline,
		Status:        model.StatusOpen,
		Targets:       model.Targets{States: states, Branches: uniqueNonEmpty(dto.Branches), Domains: uniqueNonEmpty(dto.Domains)},
		CurrentTier:   model.RoleExecutive,
		Phase:         model.PhaseAllocation,
		MergeStrategy: dto.MergeStrategy,
		CreatedBy:     actorID,
	}
	if req.Targets.Branches == nil {
		req.Targets.Branches = []string{}
	}
	req.DivisionAssignments = []model.DivisionAssignment{}

	execID, found, err := s.dir.FindPrincipal(ctx, model.RoleExecutive, "", "")
	if err != nil {
		return RequestView{}, translate("principal", string(model.RoleExecutive), err)
	}
	notes := "no executive available, request left open"
	if found {
		req.CurrentAssigneeID = &execID
		req.Status = model.StatusInProgress
		notes = "assigned to " + execID
	}
	s.record(req, model.ActionCreated, actorID, notes)

	if err := s.store.Requests.Create(ctx, req); err != nil {
		return RequestView{}, translate("request", "", err)
	}

	evt := s.event(notify.EventCreated, req, actorID, "")
	if found {
		evt.Recipients = []string{execID}
	}
	s.publish(ctx, evt)
	return s.view(req), nil
}

func (s *workflowService) GetRequest(ctx context.Context, id string) (RequestView, error) {
	req, err := s.store.Requests.FindByID(ctx, id)
	if err != nil {
		return RequestView{}, translate("request", id, err)
	}
	return s.view(req), nil
}

func (s *workflowService) ListRequests(ctx context.Context, filter RequestFilter) ([]RequestView, int64, error) {
	items, total, err := s.store.Requests.List(ctx, repository.RequestFilter{
		Status:     filter.Status,
		State:      filter.State,
		AssigneeID: filter.AssigneeID,
		Page:       filter.Page,
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, 0, translate("request", "", err)
	}
	out := make([]RequestView, 0, len(items))
	for i := range items {
		out = append(out, s.view(&items[i]))
	}
	return out, total, nil
}

func (s *workflowService) ListSubmissions(ctx context.Context, requestID, state, status string) ([]model.ChildSubmission, error) {
	if _, err := s.store.Requests.FindByID(ctx, requestID); err != nil {
		return nil, translate("request", requestID, err)
	}
	subs, err := s.store.Submissions.List(ctx, repository.SubmissionFilter{RequestID: requestID, State: state, Status: status})
	if err != nil {
		return nil, translate("submission", "", err)
	}
	return subs, nil
}

func (s *workflowService) DeleteRequest(ctx context.Context, actorID, requestID string) (res DeleteResult, err error) {
	defer s.observe("delete", actorID, requestID, time.Now(), &err)

	req, err := s.store.Requests.FindByID(ctx, requestID)
	if err != nil {
		return DeleteResult{}, translate("request", requestID, err)
	}
	if req.CreatedBy != actorID {
		ok, err := s.holdsAny(ctx, actorID, deleters)
		if err != nil {
			return DeleteResult{}, translate("principal", actorID, err)
		}
		if !ok {
			return DeleteResult{}, deniedErr(model.RoleExecutive, "only the creator, national oversight or the executive may delete a request")
		}
	}

	var deleted int64
	err = s.store.Atomic(ctx, func(txCtx context.Context) error {
		n, err := s.store.Submissions.DeleteByRequest(txCtx, requestID)
		if err != nil {
			return err
		}
		deleted = n
		return s.store.Requests.Delete(txCtx, requestID)
	})
	if err != nil {
		return DeleteResult{}, translate("request", requestID, err)
	}

	s.publish(ctx, s.event(notify.EventDeleted, req, actorID, ""))
	return DeleteResult{RequestID: requestID, DeletedSubmissions: deleted, DryRun: s.store.DryRun}, nil
}

func (s *workflowService) Divisions(ctx context.Context, state string) ([]string, error) {
	if strings.TrimSpace(state) == "" {
		return nil, validationErr("missing_field", "state is required")
	}
	divisions, err := s.dir.Divisions(ctx, state)
	if err != nil {
		return nil, translate("division", state, err)
	}
	return divisions, nil
}

// --- helpers ---

// deleters are the tiers allowed to delete a request they did not create.
var deleters = []model.Role{model.RoleNationalOversight, model.RoleExecutive}

func (s *workflowService) holdsAny(ctx context.Context, actorID string, roles []model.Role) (bool, error) {
	for _, role := range roles {
		ok, err := directory.Holds(ctx, s.dir, actorID, role, "", "")
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// update runs fn under the repository's read-modify-write and publishes the
// events fn collected once the write has committed.
func (s *workflowService) update(ctx context.Context, requestID string, fn func(ctx context.Context, req *model.Request, events *[]notify.Event) error) (*model.Request, error) {
	var events []notify.Event
	req, err := s.store.Update(ctx, requestID, func(txCtx context.Context, req *model.Request) error {
		events = events[:0]
		return fn(txCtx, req, &events)
	})
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		evt.DryRun = s.store.DryRun
		s.publish(ctx, evt)
	}
	return req, nil
}

func (s *workflowService) publish(ctx context.Context, evt notify.Event) {
	if err := s.pub.Publish(ctx, evt); err != nil {
		metrics.PublishFailed()
		s.log.Warn("event publish failed",
			zap.String("type", string(evt.Type)),
			zap.String("request_id", evt.RequestID),
			zap.Error(err),
		)
	}
}

func (s *workflowService) event(typ notify.EventType, req *model.Request, actorID, notes string) notify.Event {
	return notify.Event{
		Type:      typ,
		RequestID: req.ID,
		Title:     req.Title,
		ActorID:   actorID,
		Tier:      req.CurrentTier,
		State:     req.RoutingState(),
		Notes:     notes,
		At:        s.now().UTC(),
		DryRun:    s.store.DryRun,
	}
}

func (s *workflowService) observe(op, actorID, requestID string, started time.Time, errp *error) {
	observe(s.log, op, started, *errp, zap.String("actor_id", actorID), zap.String("request_id", requestID))
}

// observe records the operation's metrics and logs its outcome. Refusals are
// expected traffic and log at info; storage failures log at error.
func observe(log *zap.Logger, op string, started time.Time, err error, subject ...zap.Field) {
	metrics.ObserveOperation(op, Outcome(err), started)
	fields := append([]zap.Field{zap.String("operation", op)}, subject...)
	fields = append(fields, zap.Duration("elapsed", time.Since(started)))
	var we *WorkflowError
	switch {
	case err == nil:
		log.Info("workflow operation", fields...)
	case errors.As(err, &we) && we.Kind != KindUnavailable:
		log.Info("workflow operation refused", append(fields, zap.String("code", we.Code), zap.String("kind", string(we.Kind)))...)
	default:
		log.Error("workflow operation failed", append(fields, zap.Error(err))...)
	}
}

func (s *workflowService) view(req *model.Request) RequestView {
	return RequestView{Request: req, Overdue: req.IsOverdue(s.now()), DryRun: s.store.DryRun}
}

func (s *workflowService) transition(req *model.Request, next *string, unresolved bool) TransitionResult {
	return TransitionResult{
		Request:        s.view(req),
		NextAssigneeID: next,
		Unresolved:     unresolved,
		DryRun:         s.store.DryRun,
	}
}

func uniqueNonEmpty(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func strPtr(s string) *string { return &s }
