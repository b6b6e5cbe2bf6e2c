package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"alex/internal/adapter"
	fakeadapter "alex/internal/adapter/fake"
	"alex/internal/approval"
	"alex/internal/registry"
	"alex/internal/store"
	"alex/internal/store/memstore"
	"alex/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("init"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %s: %s", strings.Join(args, " "), out)
}

type harness struct {
	orch    *Orchestrator
	store   store.Store
	reg     *registry.Registry
	wt      *worktree.Manager
	appr    *approval.Broker
	adapter *fakeadapter.Adapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	wt, err := worktree.NewManager(filepath.Join(root, "workspaces"), filepath.Join(root, "attempts"))
	require.NoError(t, err)

	s := memstore.New()
	reg := registry.New()
	br := approval.NewBroker(s, reg, approval.WithTimeout(200*time.Millisecond))
	fa := fakeadapter.New()

	o := New(Dependencies{
		Store:    s,
		Registry: reg,
		Worktree: wt,
		Approval: br,
		Adapter:  fa,
		Metrics:  MustNewMetrics(prometheus.NewRegistry()),
	})

	return &harness{orch: o, store: s, reg: reg, wt: wt, appr: br, adapter: fa}
}

func seedChat(t *testing.T, s store.Store, workspacePath string) *store.Chat {
	t.Helper()
	ctx := context.Background()
	proj, err := s.CreateProject(ctx, &store.Project{Path: workspacePath, Name: "proj"})
	require.NoError(t, err)
	ws, err := s.CreateWorkspace(ctx, &store.Workspace{ProjectID: proj.ID, Path: workspacePath, Branch: "main", Status: store.WorkspaceActive})
	require.NoError(t, err)
	chat, err := s.CreateChat(ctx, &store.Chat{WorkspaceID: ws.ID, Title: "t"})
	require.NoError(t, err)
	return chat
}

func TestExecuteSubagentReservesAndStartsThread(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID, Task: "do a thing"})
	require.NoError(t, err)

	err = h.orch.ExecuteSubagent(context.Background(), sa, "do a thing")
	require.NoError(t, err)

	ctxs := h.reg.GetAllByChatID(chat.ID)
	require.Len(t, ctxs, 1)
	require.Equal(t, registry.KindSubagent, ctxs[0].Kind)
}

func TestExecuteSubagentFailsWhenTaskTooLarge(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)

	hugeTask := strings.Repeat("x", taskMaxBytes+1)
	err = h.orch.ExecuteSubagent(context.Background(), sa, hugeTask)
	require.Error(t, err)

	updated, err := h.store.GetSubagent(context.Background(), sa.ID)
	require.NoError(t, err)
	require.Equal(t, store.SubagentFailed, updated.Status)
}

func TestExecuteSubagentFailsWhenPerChatCapExceeded(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	for i := 0; i < registry.DefaultMaxPerChat; i++ {
		require.True(t, h.reg.TryReserveForChat("filler-"+string(rune('a'+i)), chat.ID, registry.DefaultMaxGlobal, registry.DefaultMaxPerChat))
	}

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)

	err = h.orch.ExecuteSubagent(context.Background(), sa, "task")
	require.Error(t, err)

	updated, err := h.store.GetSubagent(context.Background(), sa.ID)
	require.NoError(t, err)
	require.Equal(t, store.SubagentFailed, updated.Status)
	require.Contains(t, updated.Error, "limit")
}

func TestTurnCompletedFlushesAccumulatorAndCompletesSubagent(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteSubagent(context.Background(), sa, "task"))

	ctxs := h.reg.GetAllByChatID(chat.ID)
	require.Len(t, ctxs, 1)
	threadID := ctxs[0].ThreadID

	h.adapter.Emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: threadID, Delta: "hello "})
	h.adapter.Emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: threadID, Delta: "world"})
	h.adapter.Emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: threadID})

	require.Eventually(t, func() bool {
		updated, err := h.store.GetSubagent(context.Background(), sa.ID)
		require.NoError(t, err)
		return updated.Status == store.SubagentCompleted
	}, time.Second, 5*time.Millisecond)

	updated, err := h.store.GetSubagent(context.Background(), sa.ID)
	require.NoError(t, err)
	require.Equal(t, "hello world", updated.Result)
	require.Nil(t, h.reg.Get(sa.ID))
}

func TestAccumulatorDropsDeltaBeyondBound(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteSubagent(context.Background(), sa, "task"))

	threadID := h.reg.GetAllByChatID(chat.ID)[0].ThreadID

	chunk := strings.Repeat("a", 512*1024)
	h.adapter.Emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: threadID, Delta: chunk})
	h.adapter.Emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: threadID, Delta: chunk})
	h.adapter.Emit(adapter.Event{Type: adapter.EventAgentMessageDelta, ThreadID: threadID, Delta: chunk}) // pushes over 1 MiB, must be dropped
	h.adapter.Emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: threadID})

	require.Eventually(t, func() bool {
		updated, err := h.store.GetSubagent(context.Background(), sa.ID)
		require.NoError(t, err)
		return updated.Status == store.SubagentCompleted
	}, time.Second, 5*time.Millisecond)

	updated, err := h.store.GetSubagent(context.Background(), sa.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, len(updated.Result), accumulatorMaxBytes)
}

func TestErrorEventMarksSubagentFailed(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteSubagent(context.Background(), sa, "task"))

	threadID := h.reg.GetAllByChatID(chat.ID)[0].ThreadID
	h.adapter.Emit(adapter.Event{Type: adapter.EventError, ThreadID: threadID, Message: "boom"})

	require.Eventually(t, func() bool {
		updated, err := h.store.GetSubagent(context.Background(), sa.ID)
		require.NoError(t, err)
		return updated.Status == store.SubagentFailed
	}, time.Second, 5*time.Millisecond)
}

func TestCancelMarksSubagentCancelledAndFreesRegistry(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteSubagent(context.Background(), sa, "task"))

	h.orch.Cancel(context.Background(), sa.ID)

	updated, err := h.store.GetSubagent(context.Background(), sa.ID)
	require.NoError(t, err)
	require.Equal(t, store.SubagentCancelled, updated.Status)
	require.Nil(t, h.reg.Get(sa.ID))
	require.Len(t, h.adapter.CancelledRunIDs(), 1)
}

func TestExecuteAttemptBatchCreatesWorktreesAndRegistersContexts(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	a1, err := h.store.CreateAttempt(context.Background(), &store.Attempt{ChatID: chat.ID})
	require.NoError(t, err)
	a2, err := h.store.CreateAttempt(context.Background(), &store.Attempt{ChatID: chat.ID})
	require.NoError(t, err)

	err = h.orch.ExecuteAttemptBatch(context.Background(), []*store.Attempt{a1, a2}, "task", "", repo)
	require.NoError(t, err)

	ctxs := h.reg.GetAllByChatID(chat.ID)
	require.Len(t, ctxs, 2)

	for _, id := range []string{a1.ID, a2.ID} {
		updated, err := h.store.GetAttempt(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, store.AttemptRunning, updated.Status)
		_, statErr := os.Stat(updated.WorktreePath)
		require.NoError(t, statErr)
	}
}

func TestAttemptPickEventCancelsSiblingAttempts(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	a1, err := h.store.CreateAttempt(context.Background(), &store.Attempt{ChatID: chat.ID})
	require.NoError(t, err)
	a2, err := h.store.CreateAttempt(context.Background(), &store.Attempt{ChatID: chat.ID})
	require.NoError(t, err)

	require.NoError(t, h.orch.ExecuteAttemptBatch(context.Background(), []*store.Attempt{a1, a2}, "task", "", repo))

	a2ThreadID := ""
	for _, c := range h.reg.GetAllByChatID(chat.ID) {
		if c.ID == a2.ID {
			a2ThreadID = c.ThreadID
		}
	}
	require.NotEmpty(t, a2ThreadID)

	h.adapter.Emit(adapter.Event{Type: adapter.EventAttemptPick, ThreadID: a2ThreadID, AttemptID: a2.ID})

	require.Eventually(t, func() bool {
		updated, err := h.store.GetAttempt(context.Background(), a1.ID)
		require.NoError(t, err)
		return updated.Status == store.AttemptDiscarded
	}, time.Second, 5*time.Millisecond)

	updated, err := h.store.GetAttempt(context.Background(), a2.ID)
	require.NoError(t, err)
	require.NotEqual(t, store.AttemptDiscarded, updated.Status)
}

func TestPickTransitionsAndSchedulesWorktreeCleanup(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	a1, err := h.store.CreateAttempt(context.Background(), &store.Attempt{ChatID: chat.ID})
	require.NoError(t, err)
	a2, err := h.store.CreateAttempt(context.Background(), &store.Attempt{ChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteAttemptBatch(context.Background(), []*store.Attempt{a1, a2}, "task", "", repo))

	// Simulate both attempts finishing their turn, which marks them completed.
	for _, c := range h.reg.GetAllByChatID(chat.ID) {
		h.adapter.Emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: c.ThreadID})
	}
	require.Eventually(t, func() bool {
		u1, _ := h.store.GetAttempt(context.Background(), a1.ID)
		u2, _ := h.store.GetAttempt(context.Background(), a2.ID)
		return u1.Status == store.AttemptCompleted && u2.Status == store.AttemptCompleted
	}, time.Second, 5*time.Millisecond)

	picked, err := h.orch.Pick(context.Background(), repo, repo, a1.ID)
	require.NoError(t, err)
	require.NotNil(t, picked)
	require.Equal(t, store.AttemptPicked, picked.Status)

	discarded, err := h.store.GetAttempt(context.Background(), a2.ID)
	require.NoError(t, err)
	require.Equal(t, store.AttemptDiscarded, discarded.Status)

	a1AfterPick, _ := h.store.GetAttempt(context.Background(), a1.ID)
	require.Eventually(t, func() bool {
		_, err := os.Stat(a1AfterPick.WorktreePath)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopCancelsAllLiveExecutionsAndUnsubscribes(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteSubagent(context.Background(), sa, "task"))

	h.orch.Stop(context.Background())

	updated, err := h.store.GetSubagent(context.Background(), sa.ID)
	require.NoError(t, err)
	require.Equal(t, store.SubagentCancelled, updated.Status)
	require.Empty(t, h.reg.Values())

	// Further events must not panic or resurrect state once stopped.
	h.adapter.Emit(adapter.Event{Type: adapter.EventTurnCompleted, ThreadID: "whatever"})
}

func TestApprovalRequestFromAdapterIsRespondedToAfterNotify(t *testing.T) {
	h := newHarness(t)
	repo := initRepo(t)
	chat := seedChat(t, h.store, repo)

	sa, err := h.store.CreateSubagent(context.Background(), &store.Subagent{ParentChatID: chat.ID})
	require.NoError(t, err)
	require.NoError(t, h.orch.ExecuteSubagent(context.Background(), sa, "task"))
	execCtx := h.reg.Get(sa.ID)
	require.NotNil(t, execCtx)

	h.adapter.EmitApprovalRequest(adapter.ApprovalRequest{
		Type:     "commandExecution",
		ThreadID: execCtx.ThreadID,
		Command:  "rm -rf build",
	})

	require.Eventually(t, func() bool {
		pending, _ := h.store.ListPendingApprovalsByThread(context.Background(), execCtx.ThreadID)
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	pending, err := h.store.ListPendingApprovalsByThread(context.Background(), execCtx.ThreadID)
	require.NoError(t, err)
	require.NoError(t, h.appr.NotifyApprovalResponse(context.Background(), pending[0].Token, true, false))

	require.Eventually(t, func() bool {
		return len(h.adapter.RespondedTokens()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, pending[0].Token+":accept", h.adapter.RespondedTokens()[0])
}
