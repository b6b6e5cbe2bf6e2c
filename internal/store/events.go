package store

// EventKind tags the entity a domain event carries, matching spec §4.2's
// single logical channel "agent" union.
type EventKind string

const (
	EventChat          EventKind = "chat"
	EventAttempt       EventKind = "attempt"
	EventAttemptBatch  EventKind = "attempt_batch"
	EventSubagent      EventKind = "subagent"
	EventTask          EventKind = "task"
	EventPlan          EventKind = "plan"
	EventQuestion      EventKind = "question"
	EventTerminal      EventKind = "terminal"
	EventApproval      EventKind = "approval"
	EventGraphite      EventKind = "graphite"
)

// AgentEvent is the tagged union of domain events emitted on every store
// mutation, wire-encoded as {type:"agent", event:{type, event, <entity>}}
// per spec §6 "Event wire format".
type AgentEvent struct {
	Kind      EventKind `json:"type"`
	Event     string    `json:"event"` // e.g. "created", "updated", "picked", "requested"
	Chat      *Chat     `json:"chat,omitempty"`
	Attempt   *Attempt  `json:"attempt,omitempty"`
	Attempts  []*Attempt `json:"attempts,omitempty"`
	Subagent  *Subagent `json:"subagent,omitempty"`
	Task      *Task     `json:"task,omitempty"`
	Plan      *Plan     `json:"plan,omitempty"`
	Question  *Question `json:"question,omitempty"`
	Terminal  *TerminalSession `json:"terminal,omitempty"`
	Approval  *Approval `json:"approval,omitempty"`
}
