// Package orchestrator implements the Runner (spec §4.7): it drives the
// agent adapter, writes terminal state to the Store, and fans out domain
// events to clients via the Store's Publisher. Grounded on the teacher's
// bootstrap-stage/async-goroutine idiom (internal/delivery/server/bootstrap/kernel.go,
// internal/shared/async) for panic-safe event processing, since the
// teacher's own internal/orchestrator package was retrieved stripped to its
// test file and describes an unrelated (video-pipeline) domain.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"

	"alex/internal/adapter"
	"alex/internal/apperr"
	"alex/internal/approval"
	"alex/internal/logging"
	"alex/internal/registry"
	"alex/internal/asyncutil"
	"alex/internal/store"
	"alex/internal/worktree"
)

const (
	taskMaxBytes        = 100 * 1024
	accumulatorMaxBytes = 1 << 20
	diffMaxBytes        = 5 << 20
	resultMaxBytes      = 1 << 20
	stopDrainTimeout    = 5 * time.Second

	diffTruncatedMarker = "\n[DIFF TRUNCATED]"
)

type threadState struct {
	mu      sync.Mutex
	acc     []byte
	diffBuf []byte
}

// Dependencies wires the Orchestrator's collaborators.
type Dependencies struct {
	Store    store.Store
	Registry *registry.Registry
	Worktree *worktree.Manager
	Approval *approval.Broker
	Adapter  adapter.Adapter
	Logger   logging.Logger
	Metrics  *Metrics
}

// Orchestrator is the Runner (C7): two entry points (ExecuteSubagent,
// ExecuteAttemptBatch) and one cancellation operation (Cancel), plus the
// adapter event pump that drives completion and pick semantics.
type Orchestrator struct {
	store    store.Store
	registry *registry.Registry
	worktree *worktree.Manager
	approval *approval.Broker
	adapter  adapter.Adapter
	logger   logging.Logger
	metrics  *Metrics

	mu           sync.Mutex
	accumulators map[string]*threadState // contextID -> accumulator/diff state
	stopping     bool

	unsubscribeEvents    func()
	unsubscribeApprovals func()
}

// New wires an Orchestrator and subscribes it to the adapter's event and
// approval-request streams. The returned Orchestrator owns both
// subscriptions until Stop.
func New(deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		store:        deps.Store,
		registry:     deps.Registry,
		worktree:     deps.Worktree,
		approval:     deps.Approval,
		adapter:      deps.Adapter,
		logger:       logging.OrNop(deps.Logger),
		metrics:      deps.Metrics,
		accumulators: make(map[string]*threadState),
	}
	o.unsubscribeEvents = deps.Adapter.OnEvent(o.handleEvent)
	o.unsubscribeApprovals = deps.Adapter.OnApprovalRequest(o.handleApprovalRequest)
	return o
}

// handleApprovalRequest bridges the adapter's approval-ask callback to the
// Approval Broker's synchronous wait, then relays the decision back to the
// adapter. Runs on its own goroutine per request since Broker.Request
// blocks for up to the broker's timeout.
func (o *Orchestrator) handleApprovalRequest(req adapter.ApprovalRequest) {
	asyncutil.Go(o.logger, "orchestrator.handleApprovalRequest", func() {
		ctx := context.Background()
		decision, err := o.approval.Request(ctx, approval.Request{
			Type:     store.ApprovalType(req.Type),
			ThreadID: req.ThreadID,
			TurnID:   req.TurnID,
			ItemID:   req.ItemID,
			Command:  req.Command,
			Cwd:      req.Cwd,
			Reason:   req.Reason,
		})
		if err != nil {
			o.logger.Error("approval request %s: %v", req.Token, err)
		}
		adapterDecision := adapter.DecisionDecline
		if decision == approval.DecisionAccept {
			adapterDecision = adapter.DecisionAccept
		}
		if _, err := o.adapter.RespondToApproval(ctx, req.Token, adapterDecision); err != nil {
			o.logger.Error("respond to approval %s: %v", req.Token, err)
		}
	})
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

func (o *Orchestrator) initAccumulator(contextID string) {
	o.mu.Lock()
	o.accumulators[contextID] = &threadState{}
	o.mu.Unlock()
}

func (o *Orchestrator) removeAccumulator(contextID string) {
	o.mu.Lock()
	delete(o.accumulators, contextID)
	o.mu.Unlock()
}

func (o *Orchestrator) recordAdmission(kind registry.Kind, denyReason string) {
	if o.metrics == nil {
		return
	}
	if denyReason == "" {
		o.metrics.admissions.WithLabelValues(string(kind)).Inc()
	} else {
		o.metrics.admissionDenied.WithLabelValues(string(kind), denyReason).Inc()
	}
}

func (o *Orchestrator) recordOutcome(kind registry.Kind, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.executionsDone.WithLabelValues(string(kind), outcome).Inc()
}

// mutateSubagent and mutateAttempt implement read-modify-write against
// Store.Update{Subagent,Attempt}, which replace the stored row wholesale
// rather than merging fields. Every partial update in this file (setting
// just a status, or just a result) goes through these so it doesn't clobber
// fields a prior step already wrote (WorktreePath, AdapterThreadID, ...).
func (o *Orchestrator) mutateSubagent(ctx context.Context, id string, mutate func(*store.Subagent)) {
	sa, err := o.store.GetSubagent(ctx, id)
	if err != nil {
		o.logger.Error("mutate subagent %s: %v", id, err)
		return
	}
	mutate(sa)
	if _, err := o.store.UpdateSubagent(ctx, sa); err != nil {
		o.logger.Error("update subagent %s: %v", id, err)
	}
}

func (o *Orchestrator) mutateAttempt(ctx context.Context, id string, mutate func(*store.Attempt)) {
	a, err := o.store.GetAttempt(ctx, id)
	if err != nil {
		o.logger.Error("mutate attempt %s: %v", id, err)
		return
	}
	mutate(a)
	if _, err := o.store.UpdateAttempt(ctx, a); err != nil {
		o.logger.Error("update attempt %s: %v", id, err)
	}
}

// ExecuteSubagent starts a fresh adapter thread under chat's workspace and
// registers the resulting context (spec §4.7 "executeSubagent").
func (o *Orchestrator) ExecuteSubagent(ctx context.Context, sa *store.Subagent, task string) error {
	ctx, span := startSpan(ctx, spanExecuteSubagent, sa.ParentChatID, sa.ID)
	defer span.End()

	var err error
	defer func() { markSpanResult(span, err) }()

	if o.isStopping() {
		err = apperr.ConflictError("orchestrator is stopping")
		return err
	}
	if len(task) > taskMaxBytes {
		err = apperr.PayloadTooLargeError("task")
		o.mutateSubagent(ctx, sa.ID, func(s *store.Subagent) { s.Status = store.SubagentFailed; s.Error = "task too large" })
		return err
	}

	chat, getErr := o.store.GetChat(ctx, sa.ParentChatID)
	if getErr != nil {
		o.mutateSubagent(ctx, sa.ID, func(s *store.Subagent) { s.Status = store.SubagentFailed; s.Error = "parent chat not found" })
		err = getErr
		return err
	}

	if !o.registry.TryReserveForChat(sa.ID, chat.ID, registry.DefaultMaxGlobal, registry.DefaultMaxPerChat) {
		o.recordAdmission(registry.KindSubagent, "limit_exceeded")
		o.mutateSubagent(ctx, sa.ID, func(s *store.Subagent) {
			s.Status = store.SubagentFailed
			s.Error = "Registry or concurrency limit exceeded"
		})
		err = apperr.ResourceExhaustedError("execution registry")
		return err
	}
	o.recordAdmission(registry.KindSubagent, "")

	workspace, wsErr := o.store.GetWorkspace(ctx, chat.WorkspaceID)
	if wsErr != nil {
		o.registry.ReleaseReservation(sa.ID)
		o.mutateSubagent(ctx, sa.ID, func(s *store.Subagent) { s.Status = store.SubagentFailed; s.Error = "workspace not found" })
		err = wsErr
		return err
	}

	threadID, startErr := o.adapter.StartThread(ctx)
	if startErr != nil || threadID == "" {
		o.registry.ReleaseReservation(sa.ID)
		o.mutateSubagent(ctx, sa.ID, func(s *store.Subagent) { s.Status = store.SubagentFailed; s.Error = "failed to start adapter thread" })
		err = startErr
		if err == nil {
			err = apperr.InternalError("adapter returned empty thread id")
		}
		return err
	}

	runID, sendErr := o.adapter.SendTurn(ctx, threadID, task, workspace.Path)
	if sendErr != nil {
		o.registry.ReleaseReservation(sa.ID)
		o.mutateSubagent(ctx, sa.ID, func(s *store.Subagent) { s.Status = store.SubagentFailed; s.Error = "failed to send turn" })
		err = sendErr
		return err
	}

	_, cancel := context.WithCancel(context.Background())
	o.registry.Set(&registry.Context{ID: sa.ID, Kind: registry.KindSubagent, ThreadID: threadID, ChatID: chat.ID, RunID: runID, Cancel: cancel})
	o.initAccumulator(sa.ID)
	return nil
}

// ExecuteAttemptBatch forks the parent thread into one isolated worktree
// per attempt and sends the composed task prompt on each, in parallel
// (spec §4.7 "executeAttemptBatch").
func (o *Orchestrator) ExecuteAttemptBatch(ctx context.Context, attempts []*store.Attempt, task, parentSummary, projectPath string) error {
	if len(task) > taskMaxBytes {
		for _, a := range attempts {
			o.mutateAttempt(ctx, a.ID, func(at *store.Attempt) { at.Status = store.AttemptCompleted; at.Error = "task too large" })
		}
		return apperr.PayloadTooLargeError("task")
	}

	ids := make([]string, len(attempts))
	chatID := ""
	if len(attempts) > 0 {
		chatID = attempts[0].ChatID
	}
	for i, a := range attempts {
		ids[i] = a.ID
	}
	if !o.registry.TryReserveBatch(ids, chatID, registry.DefaultMaxGlobal, registry.DefaultMaxPerChat) {
		o.recordAdmission(registry.KindAttempt, "limit_exceeded")
		for _, a := range attempts {
			o.mutateAttempt(ctx, a.ID, func(at *store.Attempt) {
				at.Status = store.AttemptCompleted
				at.Error = "Registry or concurrency limit exceeded"
			})
		}
		return apperr.ResourceExhaustedError("execution registry")
	}
	o.recordAdmission(registry.KindAttempt, "")

	prompt := composePrompt(task, parentSummary)

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range attempts {
		a := a
		g.Go(func() error {
			return o.setupAttempt(gctx, a, prompt, projectPath)
		})
	}
	return g.Wait()
}

func composePrompt(task, parentSummary string) string {
	if parentSummary == "" {
		return "Task:\n" + task
	}
	return fmt.Sprintf("Context from parent conversation:\n%s\n\nTask:\n%s", parentSummary, task)
}

func (o *Orchestrator) setupAttempt(ctx context.Context, a *store.Attempt, prompt, projectPath string) (err error) {
	var worktreePath, branch string
	defer func() {
		if err != nil {
			if worktreePath != "" {
				_ = o.worktree.Cleanup(context.Background(), projectPath, worktreePath, branch)
			}
			o.registry.ReleaseReservation(a.ID)
			o.registry.Delete(a.ID)
			failErr := err
			o.mutateAttempt(context.Background(), a.ID, func(at *store.Attempt) {
				at.Status = store.AttemptCompleted
				at.Error = failErr.Error()
			})
		}
	}()

	base, baseErr := o.currentBranch(ctx, projectPath)
	if baseErr != nil {
		err = baseErr
		return err
	}

	worktreePath, branch, err = o.worktree.CreateAttempt(ctx, projectPath, a.ChatID, a.ID, base)
	if err != nil {
		return err
	}

	o.mutateAttempt(ctx, a.ID, func(at *store.Attempt) {
		at.WorktreePath = worktreePath
		at.Branch = branch
		at.Status = store.AttemptRunning
	})

	chat, chatErr := o.store.GetChat(ctx, a.ChatID)
	if chatErr != nil {
		err = chatErr
		return err
	}
	threadID, forkErr := o.adapter.ForkThread(ctx, chat.AdapterThreadID, worktreePath)
	if forkErr != nil {
		err = forkErr
		return err
	}
	o.mutateAttempt(ctx, a.ID, func(at *store.Attempt) {
		at.AdapterThreadID = threadID
		at.WorktreePath = worktreePath
		at.Branch = branch
		at.Status = store.AttemptRunning
	})

	runID, sendErr := o.adapter.SendTurn(ctx, threadID, prompt, worktreePath)
	if sendErr != nil {
		err = sendErr
		return err
	}

	_, cancel := context.WithCancel(context.Background())
	o.registry.Set(&registry.Context{ID: a.ID, Kind: registry.KindAttempt, ThreadID: threadID, ChatID: a.ChatID, RunID: runID, Cancel: cancel})
	o.initAccumulator(a.ID)
	return nil
}

func (o *Orchestrator) currentBranch(ctx context.Context, projectPath string) (string, error) {
	// The base branch for an attempt is whatever HEAD currently resolves
	// to in the project repo; resolving it here (rather than asking the
	// caller) keeps ExecuteAttemptBatch's contract to "attempts[], task,
	// parentSummary" per spec §4.7.
	return worktreeCurrentBranch(ctx, projectPath)
}

// handleEvent is the adapter's single event pump. Panic-safety follows
// spec §4.7 "Failure model": a panic while processing one event must not
// corrupt others, so a panicking event is dropped after a best-effort
// completeExecution(failed, "Internal runner error"); if that panics too,
// only the accumulator and registry entry are cleaned up.
func (o *Orchestrator) handleEvent(evt adapter.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("goroutine panic [orchestrator.handleEvent]: %v", r)
			if execCtx := o.registry.GetByThreadID(evt.ThreadID); execCtx != nil {
				defer func() {
					if recover() != nil {
						o.removeAccumulator(execCtx.ID)
						o.registry.Delete(execCtx.ID)
					}
				}()
				o.completeExecution(context.Background(), execCtx, "failed", "Internal runner error")
			}
		}
	}()
	o.dispatchEvent(evt)
}

func (o *Orchestrator) dispatchEvent(evt adapter.Event) {
	execCtx := o.registry.GetByThreadID(evt.ThreadID)
	if execCtx == nil {
		return // belongs to a peer chat or an already-cleaned-up context
	}

	switch evt.Type {
	case adapter.EventAgentMessageDelta:
		o.appendDelta(execCtx.ID, evt.Delta)
	case adapter.EventDiffUpdated:
		o.updateDiff(execCtx.ID, evt.Diff)
	case adapter.EventTurnCompleted:
		joined := o.flushAccumulator(execCtx.ID)
		o.completeExecution(context.Background(), execCtx, "completed", joined)
	case adapter.EventError:
		o.completeExecution(context.Background(), execCtx, "failed", evt.Message)
	case adapter.EventAttemptPick:
		o.handleAttemptPick(context.Background(), execCtx.ChatID, evt.AttemptID)
	}
}

func (o *Orchestrator) stateFor(contextID string) *threadState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accumulators[contextID]
}

func (o *Orchestrator) appendDelta(contextID, delta string) {
	st := o.stateFor(contextID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.acc)+len(delta) > accumulatorMaxBytes {
		o.logger.Warn("accumulator for context %s exceeded 1 MiB, dropping delta", contextID)
		return
	}
	st.acc = append(st.acc, delta...)
}

func (o *Orchestrator) updateDiff(contextID, diff string) {
	st := o.stateFor(contextID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(diff) > diffMaxBytes {
		st.diffBuf = []byte(diff[:diffMaxBytes] + diffTruncatedMarker)
		return
	}
	st.diffBuf = []byte(diff)
}

func (o *Orchestrator) flushAccumulator(contextID string) string {
	st := o.stateFor(contextID)
	if st == nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return string(st.acc)
}

func (o *Orchestrator) diffFor(contextID string) string {
	st := o.stateFor(contextID)
	if st == nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return string(st.diffBuf)
}

// completeExecution writes terminal state for ctx and tears down its
// in-memory bookkeeping (spec §4.7 "completeExecution").
func (o *Orchestrator) completeExecution(ctx context.Context, execCtx *registry.Context, outcome, payload string) {
	_, span := startSpan(ctx, spanCompleteExecution, execCtx.ChatID, execCtx.ID)
	defer span.End()

	truncated := truncate(payload, resultMaxBytes)

	switch execCtx.Kind {
	case registry.KindSubagent:
		o.mutateSubagent(ctx, execCtx.ID, func(s *store.Subagent) {
			if outcome == "failed" {
				s.Status = store.SubagentFailed
				s.Error = truncated
			} else {
				s.Status = store.SubagentCompleted
				s.Result = truncated
			}
		})
	case registry.KindAttempt:
		result := truncated
		if outcome != "failed" {
			result = truncate(o.structuredAttemptResult(execCtx.ID, truncated), resultMaxBytes)
		}
		o.mutateAttempt(ctx, execCtx.ID, func(at *store.Attempt) {
			at.Status = store.AttemptCompleted
			if outcome == "failed" {
				at.Result = "[FAILED] " + truncated
				at.Error = truncated
			} else {
				at.Result = result
			}
		})
	}

	o.recordOutcome(execCtx.Kind, outcome)
	o.removeAccumulator(execCtx.ID)
	o.registry.Delete(execCtx.ID)
	if err := o.approval.CancelForThread(ctx, execCtx.ThreadID); err != nil {
		o.logger.Warn("cancel pending approvals for thread %s: %v", execCtx.ThreadID, err)
	}
}

type attemptResult struct {
	Summary     string `json:"summary"`
	UnifiedDiff string `json:"unifiedDiff"`
}

func (o *Orchestrator) structuredAttemptResult(contextID, summary string) string {
	diff := o.diffFor(contextID)
	result := attemptResult{Summary: summary, UnifiedDiff: diff}
	if result.Summary == "" {
		result.Summary = summarizeDiff(diff)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return summary
	}
	return string(out)
}

// summarizeDiff produces a terse line-change summary from a unified diff
// text, using go-diff's line-mode tokenizer to count inserted/removed
// lines rather than a naive string scan.
func summarizeDiff(diffText string) string {
	if diffText == "" {
		return "no changes"
	}
	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars("", diffText)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var added, removed int
	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		}
	}
	return fmt.Sprintf("%d lines added, %d lines removed", added, removed)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// handleAttemptPick reacts to the adapter's in-band attempt_pick
// notification: every other attempt context on chatID is cancelled through
// Cancel (its row becomes discarded). The picked attempt's row is left
// unchanged here; the transition to picked happens only through Pick.
func (o *Orchestrator) handleAttemptPick(ctx context.Context, chatID, attemptID string) {
	for _, execCtx := range o.registry.GetAllByChatID(chatID) {
		if execCtx.Kind != registry.KindAttempt {
			continue
		}
		if execCtx.ID == attemptID {
			continue
		}
		o.Cancel(ctx, execCtx.ID)
	}
}

// Cancel aborts contextID's cancellation token, best-effort cancels it on
// the adapter, and writes the appropriate terminal store state (spec §4.7
// "cancel(contextId)").
func (o *Orchestrator) Cancel(ctx context.Context, contextID string) {
	execCtx := o.registry.Get(contextID)
	if execCtx == nil {
		return
	}
	if execCtx.Cancel != nil {
		execCtx.Cancel()
	}
	if err := o.adapter.Cancel(ctx, execCtx.RunID); err != nil {
		o.logger.Warn("adapter cancel for run %s: %v", execCtx.RunID, err)
	}

	switch execCtx.Kind {
	case registry.KindSubagent:
		o.mutateSubagent(ctx, execCtx.ID, func(s *store.Subagent) { s.Status = store.SubagentCancelled })
	case registry.KindAttempt:
		o.mutateAttempt(ctx, execCtx.ID, func(at *store.Attempt) { at.Status = store.AttemptDiscarded })
	}

	o.removeAccumulator(execCtx.ID)
	o.registry.Delete(execCtx.ID)
	if err := o.approval.CancelForThread(ctx, execCtx.ThreadID); err != nil {
		o.logger.Warn("cancel pending approvals for thread %s: %v", execCtx.ThreadID, err)
	}
}

// Pick resolves an atomic pick: transitions attemptID to picked, discards
// its siblings in one batch, resets the workspace onto the picked branch
// if it is a valid ref, then schedules worktree cleanup for every attempt
// (including the picked one, whose changes already live in the workspace)
// in the background (spec §4.7 "Pick semantics").
func (o *Orchestrator) Pick(ctx context.Context, projectPath, workspacePath, attemptID string) (*store.Attempt, error) {
	picked, err := o.store.PickAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if picked == nil {
		return nil, nil
	}

	if err := worktree.ValidateBranchName(picked.Branch); err == nil {
		_ = resetWorkspaceToBranch(ctx, workspacePath, picked.Branch)
	}

	if _, err := o.store.DiscardOtherAttempts(ctx, picked.ChatID, picked.ID); err != nil {
		o.logger.Error("discard siblings of picked attempt %s: %v", picked.ID, err)
	}

	go o.cleanupAttempts(projectPath, picked.ChatID)

	return picked, nil
}

func (o *Orchestrator) cleanupAttempts(projectPath, chatID string) {
	keep := map[string]bool{} // every attempt is being reclaimed, none kept
	if err := o.worktree.CleanupForWorkspace(context.Background(), projectPath, chatID, keep); err != nil {
		o.logger.Error("bulk worktree cleanup for workspace %s: %v", chatID, err)
	}
}

// Stop cancels every live execution in parallel, bounded by a drain
// timeout, then unsubscribes from the adapter and declines all pending
// approvals (spec §5 "stop()").
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, stopDrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, execCtx := range o.registry.Values() {
		execCtx := execCtx
		wg.Add(1)
		asyncutil.Go(o.logger, "orchestrator.stop.cancel", func() {
			defer wg.Done()
			o.Cancel(drainCtx, execCtx.ID)
		})
	}
	wg.Wait()

	if o.unsubscribeEvents != nil {
		o.unsubscribeEvents()
	}
	if o.unsubscribeApprovals != nil {
		o.unsubscribeApprovals()
	}
	o.approval.Shutdown()
	o.registry.Clear()
}
