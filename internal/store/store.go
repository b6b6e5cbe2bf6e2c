package store

import "context"

// Publisher is the narrow event-bus surface a Store depends on to emit a
// domain event after every mutation (spec §4.1 "Store publishes a domain
// event on every mutation"). events.Bus satisfies this interface
// structurally; store does not import the events package to avoid a cycle.
type Publisher interface {
	Publish(AgentEvent)
}

// Emitter is the subscription surface the Store exposes to the rest of the
// core, matching spec §6 "Must expose emitter exposing on(\"agent\", handler)
// / off(\"agent\", handler)".
type Emitter interface {
	On(handler func(AgentEvent)) (off func())
}

// Store is the repository interface spec §4.1 describes: per-entity CRUD
// plus the small number of atomic compound operations the core relies on.
// The SQL/table schema of an implementation is out of scope (spec §1); this
// module ships only an in-memory implementation (internal/store/memstore).
type Store interface {
	Emitter

	// Projects
	CreateProject(ctx context.Context, p *Project) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	DeleteProject(ctx context.Context, id string) error // cascades to workspaces

	// Workspaces
	CreateWorkspace(ctx context.Context, w *Workspace) (*Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	UpdateWorkspace(ctx context.Context, w *Workspace) (*Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesByProject(ctx context.Context, projectID string) ([]*Workspace, error)

	// Chats
	CreateChat(ctx context.Context, c *Chat) (*Chat, error)
	GetChat(ctx context.Context, id string) (*Chat, error)
	UpdateChat(ctx context.Context, c *Chat) (*Chat, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *Attempt) (*Attempt, error)
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	UpdateAttempt(ctx context.Context, a *Attempt) (*Attempt, error)
	ListAttemptsByChat(ctx context.Context, chatID string) ([]*Attempt, error)
	// PickAttempt transitions one attempt from completed to picked. Fails
	// silently (returns nil, nil) if the attempt was not completed. Must be
	// a single transaction (P1).
	PickAttempt(ctx context.Context, attemptID string) (*Attempt, error)
	// DiscardOtherAttempts batch-transitions every attempt under chatID
	// other than pickedID to discarded, in one atomic step.
	DiscardOtherAttempts(ctx context.Context, chatID, pickedID string) ([]*Attempt, error)

	// Subagents
	CreateSubagent(ctx context.Context, s *Subagent) (*Subagent, error)
	GetSubagent(ctx context.Context, id string) (*Subagent, error)
	UpdateSubagent(ctx context.Context, s *Subagent) (*Subagent, error)
	GetSubagentStatusCountsByChat(ctx context.Context, chatID string) (SubagentStatusCounts, error)
	CountRunningSubagentsByChat(ctx context.Context, chatID string) (int, error)

	// Plans
	CreatePlan(ctx context.Context, p *Plan) (*Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)
	// RespondToPlan transitions a pending plan to approved/rejected. Fails
	// silently (returns nil, nil) if the plan was not pending.
	RespondToPlan(ctx context.Context, planID string, approved bool, feedback string) (*Plan, error)

	// Questions
	CreateQuestion(ctx context.Context, q *Question) (*Question, error)
	GetQuestion(ctx context.Context, id string) (*Question, error)
	// AnswerQuestion is pending-only; fails silently otherwise.
	AnswerQuestion(ctx context.Context, id, answer string) (*Question, error)

	// Tasks
	CreateTask(ctx context.Context, t *Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByChat(ctx context.Context, chatID string) ([]*Task, error)
	ListTasksByPlan(ctx context.Context, planID string) ([]*Task, error)
	// ClaimTask is pending-only. Fails silently (nil, nil) otherwise (P2).
	ClaimTask(ctx context.Context, taskID, agentID string) (*Task, error)
	// UnclaimTask/CompleteTask/FailTask are claimant-only and idempotent on
	// a wrong claimant (they fail silently rather than erroring).
	UnclaimTask(ctx context.Context, taskID, agentID, reason string) (*Task, error)
	CompleteTask(ctx context.Context, taskID, agentID, result string) (*Task, error)
	FailTask(ctx context.Context, taskID, agentID, result string) (*Task, error)

	// Approvals
	CreateApproval(ctx context.Context, a *Approval) (*Approval, error)
	GetApproval(ctx context.Context, id string) (*Approval, error)
	GetApprovalByToken(ctx context.Context, token string) (*Approval, error)
	// RespondToApproval is pending-only (P3).
	RespondToApproval(ctx context.Context, approvalID string, accepted bool) (*Approval, error)
	// CancelApproval is pending->cancelled; used on timeout and on thread
	// cancellation.
	CancelApproval(ctx context.Context, id string) (*Approval, error)
	ListPendingApprovalsByThread(ctx context.Context, threadID string) ([]*Approval, error)

	// Terminal sessions (metadata only; the live PTY handle lives in the
	// PTY manager).
	UpsertTerminalSession(ctx context.Context, t *TerminalSession) (*TerminalSession, error)
	GetTerminalSession(ctx context.Context, id string) (*TerminalSession, error)
	DeleteTerminalSession(ctx context.Context, id string) error
}
