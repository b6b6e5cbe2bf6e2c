// Package memstore is the in-memory reference implementation of
// store.Store. The SQL/table schema of a production store is out of scope
// (spec §1); this implementation exists so the core is runnable and
// testable without an external database, grounded on the teacher's
// InMemoryTaskStore (internal/delivery/server/app/task_store.go): one map
// per entity, all guarded by a single sync.RWMutex, copy-out reads, and an
// options-style constructor.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"alex/internal/apperr"
	"alex/internal/logging"
	"alex/internal/store"
)

// Store is the in-memory store.Store implementation.
type Store struct {
	mu sync.RWMutex

	projects  map[string]*store.Project
	workspaces map[string]*store.Workspace
	chats     map[string]*store.Chat
	attempts  map[string]*store.Attempt
	subagents map[string]*store.Subagent
	plans     map[string]*store.Plan
	questions map[string]*store.Question
	tasks     map[string]*store.Task
	approvals map[string]*store.Approval
	terminals map[string]*store.TerminalSession

	approvalsByToken map[string]string // token -> approval id

	publisher store.Publisher
	logger    logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher wires an event publisher (typically *events.Bus) that
// receives an AgentEvent after every mutation.
func WithPublisher(p store.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger overrides the store's logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New constructs an empty in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		projects:         make(map[string]*store.Project),
		workspaces:       make(map[string]*store.Workspace),
		chats:            make(map[string]*store.Chat),
		attempts:         make(map[string]*store.Attempt),
		subagents:        make(map[string]*store.Subagent),
		plans:            make(map[string]*store.Plan),
		questions:        make(map[string]*store.Question),
		tasks:            make(map[string]*store.Task),
		approvals:        make(map[string]*store.Approval),
		terminals:        make(map[string]*store.TerminalSession),
		approvalsByToken: make(map[string]string),
		logger:           logging.NewComponentLogger("Store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s
}

func newID() string { return uuid.NewString() }

func (s *Store) emit(evt store.AgentEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(evt)
}

// On registers a raw listener directly against the configured publisher, if
// it supports it (events.Bus does). Satisfies store.Emitter.
func (s *Store) On(handler func(store.AgentEvent)) (off func()) {
	if em, ok := s.publisher.(store.Emitter); ok {
		return em.On(handler)
	}
	return func() {}
}

// ---- Projects ----

func (s *Store) CreateProject(_ context.Context, p *store.Project) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.projects[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetProject(_ context.Context, id string) (*store.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.NotFoundError("project " + id)
	}
	out := *p
	return &out, nil
}

// DeleteProject removes the project and cascades to its workspaces.
func (s *Store) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return apperr.NotFoundError("project " + id)
	}
	delete(s.projects, id)
	for wid, w := range s.workspaces {
		if w.ProjectID == id {
			delete(s.workspaces, wid)
		}
	}
	return nil
}

// ---- Workspaces ----

func (s *Store) CreateWorkspace(_ context.Context, w *store.Workspace) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	if cp.ID == "" {
		cp.ID = newID()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.LastAccessedAt = now
	if cp.Status == "" {
		cp.Status = store.WorkspaceActive
	}
	s.workspaces[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (*store.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, apperr.NotFoundError("workspace " + id)
	}
	out := *w
	return &out, nil
}

func (s *Store) UpdateWorkspace(_ context.Context, w *store.Workspace) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; !ok {
		return nil, apperr.NotFoundError("workspace " + w.ID)
	}
	cp := *w
	s.workspaces[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return apperr.NotFoundError("workspace " + id)
	}
	delete(s.workspaces, id)
	return nil
}

func (s *Store) ListWorkspacesByProject(_ context.Context, projectID string) ([]*store.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Workspace
	for _, w := range s.workspaces {
		if w.ProjectID == projectID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Chats ----

func (s *Store) CreateChat(_ context.Context, c *store.Chat) (*store.Chat, error) {
	s.mu.Lock()
	cp := *c
	if cp.ID == "" {
		cp.ID = newID()
	}
	s.chats[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventChat, Event: "created", Chat: &out})
	return &out, nil
}

func (s *Store) GetChat(_ context.Context, id string) (*store.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, apperr.NotFoundError("chat " + id)
	}
	out := *c
	return &out, nil
}

func (s *Store) UpdateChat(_ context.Context, c *store.Chat) (*store.Chat, error) {
	s.mu.Lock()
	if _, ok := s.chats[c.ID]; !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("chat " + c.ID)
	}
	cp := *c
	s.chats[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventChat, Event: "updated", Chat: &out})
	return &out, nil
}

// ---- Attempts ----

func (s *Store) CreateAttempt(_ context.Context, a *store.Attempt) (*store.Attempt, error) {
	s.mu.Lock()
	cp := *a
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = store.AttemptRunning
	}
	s.attempts[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventAttempt, Event: "created", Attempt: &out})
	return &out, nil
}

func (s *Store) GetAttempt(_ context.Context, id string) (*store.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, apperr.NotFoundError("attempt " + id)
	}
	out := *a
	return &out, nil
}

func (s *Store) UpdateAttempt(_ context.Context, a *store.Attempt) (*store.Attempt, error) {
	s.mu.Lock()
	if _, ok := s.attempts[a.ID]; !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("attempt " + a.ID)
	}
	cp := *a
	s.attempts[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventAttempt, Event: "updated", Attempt: &out})
	return &out, nil
}

func (s *Store) ListAttemptsByChat(_ context.Context, chatID string) ([]*store.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Attempt
	for _, a := range s.attempts {
		if a.ChatID == chatID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PickAttempt is the sole arbiter of invariant P1 (atomic pick): exactly one
// caller racing this method for the same attempt observes a non-nil result;
// every other caller, and every caller on an attempt not in "completed",
// observes (nil, nil).
func (s *Store) PickAttempt(_ context.Context, attemptID string) (*store.Attempt, error) {
	s.mu.Lock()
	a, ok := s.attempts[attemptID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("attempt " + attemptID)
	}
	if a.Status != store.AttemptCompleted {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *a
	cp.Status = store.AttemptPicked
	s.attempts[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventAttempt, Event: "picked", Attempt: &out})
	return &out, nil
}

// DiscardOtherAttempts transitions every attempt under chatID other than
// pickedID to discarded in a single critical section, then emits one batch
// event (spec §4.2 attempt_batch) rather than one event per attempt.
func (s *Store) DiscardOtherAttempts(_ context.Context, chatID, pickedID string) ([]*store.Attempt, error) {
	s.mu.Lock()
	var changed []*store.Attempt
	for id, a := range s.attempts {
		if a.ChatID != chatID || id == pickedID {
			continue
		}
		if a.Status == store.AttemptDiscarded || a.Status == store.AttemptPicked {
			continue
		}
		cp := *a
		cp.Status = store.AttemptDiscarded
		s.attempts[id] = &cp
		out := cp
		changed = append(changed, &out)
	}
	s.mu.Unlock()
	if len(changed) > 0 {
		s.emit(store.AgentEvent{Kind: store.EventAttemptBatch, Event: "discarded", Attempts: changed})
	}
	return changed, nil
}

// ---- Subagents ----

func (s *Store) CreateSubagent(_ context.Context, sa *store.Subagent) (*store.Subagent, error) {
	s.mu.Lock()
	cp := *sa
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = store.SubagentRunning
	}
	s.subagents[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventSubagent, Event: "created", Subagent: &out})
	return &out, nil
}

func (s *Store) GetSubagent(_ context.Context, id string) (*store.Subagent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sa, ok := s.subagents[id]
	if !ok {
		return nil, apperr.NotFoundError("subagent " + id)
	}
	out := *sa
	return &out, nil
}

func (s *Store) UpdateSubagent(_ context.Context, sa *store.Subagent) (*store.Subagent, error) {
	s.mu.Lock()
	if _, ok := s.subagents[sa.ID]; !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("subagent " + sa.ID)
	}
	cp := *sa
	s.subagents[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventSubagent, Event: "updated", Subagent: &out})
	return &out, nil
}

func (s *Store) GetSubagentStatusCountsByChat(_ context.Context, chatID string) (store.SubagentStatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts store.SubagentStatusCounts
	for _, sa := range s.subagents {
		if sa.ParentChatID != chatID {
			continue
		}
		switch sa.Status {
		case store.SubagentRunning:
			counts.Running++
		case store.SubagentCompleted:
			counts.Completed++
		case store.SubagentCancelled:
			counts.Cancelled++
		case store.SubagentFailed:
			counts.Failed++
		case store.SubagentInterrupted:
			counts.Interrupted++
		}
	}
	return counts, nil
}

func (s *Store) CountRunningSubagentsByChat(_ context.Context, chatID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sa := range s.subagents {
		if sa.ParentChatID == chatID && sa.Status == store.SubagentRunning {
			n++
		}
	}
	return n, nil
}

// ---- Plans ----

func (s *Store) CreatePlan(_ context.Context, p *store.Plan) (*store.Plan, error) {
	s.mu.Lock()
	cp := *p
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = store.PlanPending
	}
	s.plans[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventPlan, Event: "created", Plan: &out})
	return &out, nil
}

func (s *Store) GetPlan(_ context.Context, id string) (*store.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, apperr.NotFoundError("plan " + id)
	}
	out := *p
	return &out, nil
}

// RespondToPlan is the arbiter for a pending-only transition: a plan that
// is not currently pending yields (nil, nil) rather than an error.
func (s *Store) RespondToPlan(_ context.Context, planID string, approved bool, feedback string) (*store.Plan, error) {
	s.mu.Lock()
	p, ok := s.plans[planID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("plan " + planID)
	}
	if p.Status != store.PlanPending {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *p
	if approved {
		cp.Status = store.PlanApproved
	} else {
		cp.Status = store.PlanRejected
	}
	cp.Feedback = feedback
	now := time.Now()
	cp.RespondedAt = &now
	s.plans[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventPlan, Event: "responded", Plan: &out})
	return &out, nil
}

// ---- Questions ----

func (s *Store) CreateQuestion(_ context.Context, q *store.Question) (*store.Question, error) {
	s.mu.Lock()
	cp := *q
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = store.QuestionPending
	}
	s.questions[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventQuestion, Event: "created", Question: &out})
	return &out, nil
}

func (s *Store) GetQuestion(_ context.Context, id string) (*store.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[id]
	if !ok {
		return nil, apperr.NotFoundError("question " + id)
	}
	out := *q
	return &out, nil
}

func (s *Store) AnswerQuestion(_ context.Context, id, answer string) (*store.Question, error) {
	s.mu.Lock()
	q, ok := s.questions[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("question " + id)
	}
	if q.Status != store.QuestionPending {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *q
	cp.Status = store.QuestionAnswered
	cp.Answer = answer
	s.questions[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventQuestion, Event: "answered", Question: &out})
	return &out, nil
}

// ---- Tasks ----

func (s *Store) CreateTask(_ context.Context, t *store.Task) (*store.Task, error) {
	s.mu.Lock()
	cp := *t
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = store.TaskPending
	}
	s.tasks[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventTask, Event: "created", Task: &out})
	return &out, nil
}

func (s *Store) GetTask(_ context.Context, id string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFoundError("task " + id)
	}
	out := *t
	return &out, nil
}

func (s *Store) ListTasksByChat(_ context.Context, chatID string) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Task
	for _, t := range s.tasks {
		if t.ChatID == chatID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListTasksByPlan(_ context.Context, planID string) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Task
	for _, t := range s.tasks {
		if t.PlanID == planID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ClaimTask is the sole arbiter of invariant P2 (atomic claim): only a task
// currently pending transitions; every other caller observes (nil, nil).
func (s *Store) ClaimTask(_ context.Context, taskID, agentID string) (*store.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("task " + taskID)
	}
	if t.Status != store.TaskPending {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *t
	cp.Status = store.TaskClaimed
	cp.ClaimedBy = agentID
	s.tasks[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventTask, Event: "claimed", Task: &out})
	return &out, nil
}

// UnclaimTask is claimant-only and idempotent on a wrong claimant: it fails
// silently (nil, nil) rather than erroring so a stale agent cannot disturb
// another agent's claim.
func (s *Store) UnclaimTask(_ context.Context, taskID, agentID, reason string) (*store.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("task " + taskID)
	}
	if t.Status != store.TaskClaimed || t.ClaimedBy != agentID {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *t
	cp.Status = store.TaskPending
	cp.ClaimedBy = ""
	cp.UnclaimReason = reason
	s.tasks[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventTask, Event: "unclaimed", Task: &out})
	return &out, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID, agentID, result string) (*store.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("task " + taskID)
	}
	if t.Status != store.TaskClaimed || t.ClaimedBy != agentID {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *t
	cp.Status = store.TaskCompleted
	cp.Result = result
	s.tasks[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventTask, Event: "completed", Task: &out})
	return &out, nil
}

func (s *Store) FailTask(_ context.Context, taskID, agentID, result string) (*store.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("task " + taskID)
	}
	if t.Status != store.TaskClaimed || t.ClaimedBy != agentID {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *t
	cp.Status = store.TaskFailed
	cp.Result = result
	s.tasks[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventTask, Event: "failed", Task: &out})
	return &out, nil
}

// ---- Approvals ----

func (s *Store) CreateApproval(_ context.Context, a *store.Approval) (*store.Approval, error) {
	s.mu.Lock()
	cp := *a
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.Status == "" {
		cp.Status = store.ApprovalPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.approvals[cp.ID] = &cp
	if cp.Token != "" {
		s.approvalsByToken[cp.Token] = cp.ID
	}
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventApproval, Event: "requested", Approval: &out})
	return &out, nil
}

func (s *Store) GetApproval(_ context.Context, id string) (*store.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, apperr.NotFoundError("approval " + id)
	}
	out := *a
	return &out, nil
}

func (s *Store) GetApprovalByToken(_ context.Context, token string) (*store.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.approvalsByToken[token]
	if !ok {
		return nil, apperr.NotFoundError("approval token")
	}
	a := s.approvals[id]
	out := *a
	return &out, nil
}

// RespondToApproval is the sole arbiter of invariant P3 (approval-once):
// only a pending approval transitions; a second responder observes
// (nil, nil).
func (s *Store) RespondToApproval(_ context.Context, approvalID string, accepted bool) (*store.Approval, error) {
	s.mu.Lock()
	a, ok := s.approvals[approvalID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("approval " + approvalID)
	}
	if a.Status != store.ApprovalPending {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *a
	if accepted {
		cp.Status = store.ApprovalAccepted
	} else {
		cp.Status = store.ApprovalDeclined
	}
	now := time.Now()
	cp.RespondedAt = &now
	s.approvals[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventApproval, Event: "responded", Approval: &out})
	return &out, nil
}

// CancelApproval transitions a pending approval to cancelled; used on
// timeout and on owning-thread cancellation. Fails silently if not pending,
// same as RespondToApproval, since the two are mutually exclusive races.
func (s *Store) CancelApproval(_ context.Context, id string) (*store.Approval, error) {
	s.mu.Lock()
	a, ok := s.approvals[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFoundError("approval " + id)
	}
	if a.Status != store.ApprovalPending {
		s.mu.Unlock()
		return nil, nil
	}
	cp := *a
	cp.Status = store.ApprovalCancelled
	now := time.Now()
	cp.RespondedAt = &now
	s.approvals[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventApproval, Event: "cancelled", Approval: &out})
	return &out, nil
}

func (s *Store) ListPendingApprovalsByThread(_ context.Context, threadID string) ([]*store.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Approval
	for _, a := range s.approvals {
		if a.ThreadID == threadID && a.Status == store.ApprovalPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Terminal sessions ----

func (s *Store) UpsertTerminalSession(_ context.Context, t *store.TerminalSession) (*store.TerminalSession, error) {
	s.mu.Lock()
	cp := *t
	if cp.ID == "" {
		cp.ID = newID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.terminals[cp.ID] = &cp
	out := cp
	s.mu.Unlock()
	s.emit(store.AgentEvent{Kind: store.EventTerminal, Event: "updated", Terminal: &out})
	return &out, nil
}

func (s *Store) GetTerminalSession(_ context.Context, id string) (*store.TerminalSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.terminals[id]
	if !ok {
		return nil, apperr.NotFoundError("terminal " + id)
	}
	out := *t
	return &out, nil
}

func (s *Store) DeleteTerminalSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.terminals[id]; !ok {
		return apperr.NotFoundError("terminal " + id)
	}
	delete(s.terminals, id)
	return nil
}

var _ store.Store = (*Store)(nil)
