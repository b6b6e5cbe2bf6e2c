// Package fake provides a controllable in-memory adapter.Adapter for tests
// of components that depend on the agent adapter (primarily the
// Orchestrator), since the real adapter is an external collaborator out of
// scope for this module.
package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"alex/internal/adapter"
)

// Adapter is a test double: StartThread/ForkThread/SendTurn succeed
// deterministically, and tests drive event/approval delivery directly via
// Emit/EmitApprovalRequest.
type Adapter struct {
	mu sync.Mutex

	eventHandlers    map[int]func(adapter.Event)
	approvalHandlers map[int]func(adapter.ApprovalRequest)
	nextHandlerID    int

	cancelledRunIDs []string
	respondedTokens []tokenDecision

	// StartThreadErr, when set, is returned by every StartThread call.
	StartThreadErr error
}

type tokenDecision struct {
	token    string
	decision adapter.Decision
}

// New constructs an empty fake Adapter.
func New() *Adapter {
	return &Adapter{
		eventHandlers:    make(map[int]func(adapter.Event)),
		approvalHandlers: make(map[int]func(adapter.ApprovalRequest)),
	}
}

func (a *Adapter) StartThread(_ context.Context) (string, error) {
	if a.StartThreadErr != nil {
		return "", a.StartThreadErr
	}
	return uuid.NewString(), nil
}

func (a *Adapter) ForkThread(_ context.Context, parentThreadID, _ string) (string, error) {
	return uuid.NewString(), nil
}

func (a *Adapter) SendTurn(_ context.Context, _, _, _ string) (string, error) {
	return uuid.NewString(), nil
}

func (a *Adapter) Cancel(_ context.Context, runID string) error {
	a.mu.Lock()
	a.cancelledRunIDs = append(a.cancelledRunIDs, runID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) RespondToApproval(_ context.Context, token string, decision adapter.Decision) (bool, error) {
	a.mu.Lock()
	a.respondedTokens = append(a.respondedTokens, tokenDecision{token, decision})
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) OnEvent(handler func(adapter.Event)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextHandlerID
	a.nextHandlerID++
	a.eventHandlers[id] = handler
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.eventHandlers, id)
		a.mu.Unlock()
	}
}

func (a *Adapter) OnApprovalRequest(handler func(adapter.ApprovalRequest)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextHandlerID
	a.nextHandlerID++
	a.approvalHandlers[id] = handler
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.approvalHandlers, id)
		a.mu.Unlock()
	}
}

// Emit delivers evt to every registered event handler, as the real adapter
// would when something happens on the underlying agent conversation.
func (a *Adapter) Emit(evt adapter.Event) {
	a.mu.Lock()
	handlers := make([]func(adapter.Event), 0, len(a.eventHandlers))
	for _, h := range a.eventHandlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

// CancelledRunIDs returns every runID passed to Cancel so far.
func (a *Adapter) CancelledRunIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelledRunIDs...)
}

// EmitApprovalRequest delivers req to every registered approval handler, as
// the real adapter would when a tool call needs sign-off.
func (a *Adapter) EmitApprovalRequest(req adapter.ApprovalRequest) {
	a.mu.Lock()
	handlers := make([]func(adapter.ApprovalRequest), 0, len(a.approvalHandlers))
	for _, h := range a.approvalHandlers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()
	for _, h := range handlers {
		h(req)
	}
}

// RespondedTokens returns every (token, decision) pair passed to
// RespondToApproval so far.
func (a *Adapter) RespondedTokens() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.respondedTokens))
	for i, td := range a.respondedTokens {
		out[i] = td.token + ":" + string(td.decision)
	}
	return out
}
