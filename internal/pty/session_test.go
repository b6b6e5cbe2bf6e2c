package pty

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	exited  bool
	exitCode *int
}

func newFakeSubscriber(id string) *fakeSubscriber { return &fakeSubscriber{id: id} }

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(data []byte, exit bool, code *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exit {
		f.exited = true
		f.exitCode = code
		return
	}
	cp := append([]byte(nil), data...)
	f.frames = append(f.frames, cp)
}

func (f *fakeSubscriber) totalBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		n += len(fr)
	}
	return n
}

func startEchoPTY(t *testing.T) (*Manager, string) {
	t.Helper()
	cmd := exec.Command("cat")
	f, err := pty.Start(cmd)
	require.NoError(t, err)

	m := NewManager()
	require.NoError(t, m.Register("sess-1", f, cmd, "/tmp", RegisterOptions{Owner: OwnerAgent, Visible: true}))
	return m, "sess-1"
}

func TestRegisterAndWriteEchoesThroughHistory(t *testing.T) {
	m, id := startEchoPTY(t)

	require.NoError(t, m.Write(id, []byte("hello\n")))
	require.Eventually(t, func() bool {
		hist, err := m.GetHistory(id)
		return err == nil && len(hist) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	m, id := startEchoPTY(t)
	oversized := make([]byte, MaxWriteBytes+1)
	err := m.Write(id, oversized)
	require.Error(t, err)
}

func TestResizeRejectsOutOfBoundsDimensions(t *testing.T) {
	m, id := startEchoPTY(t)
	require.Error(t, m.Resize(id, 0, 24))
	require.Error(t, m.Resize(id, 80, 0))
	require.Error(t, m.Resize(id, 501, 24))
	require.Error(t, m.Resize(id, 80, 201))
	require.NoError(t, m.Resize(id, 80, 24))
}

func TestAttachReplaysHistoryImmediately(t *testing.T) {
	m, id := startEchoPTY(t)
	require.NoError(t, m.Write(id, []byte("hello\n")))
	require.Eventually(t, func() bool {
		hist, _ := m.GetHistory(id)
		return len(hist) > 0
	}, 2*time.Second, 10*time.Millisecond)

	sub := newFakeSubscriber("sub-1")
	require.NoError(t, m.Attach(id, sub))
	require.Eventually(t, func() bool {
		return sub.totalBytes() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestDetachStopsFurtherDelivery(t *testing.T) {
	m, id := startEchoPTY(t)
	sub := newFakeSubscriber("sub-1")
	require.NoError(t, m.Attach(id, sub))
	require.NoError(t, m.Detach(id, sub))

	require.NoError(t, m.Write(id, []byte("more\n")))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, sub.totalBytes())
}

func TestSetVisiblePromotesAgentOwnedSessionToUser(t *testing.T) {
	cmd := exec.Command("cat")
	f, err := pty.Start(cmd)
	require.NoError(t, err)
	m := NewManager()
	require.NoError(t, m.Register("sess-agent", f, cmd, "/tmp", RegisterOptions{Owner: OwnerAgent, Visible: false}))

	meta, err := m.GetMetadata("sess-agent")
	require.NoError(t, err)
	require.Equal(t, OwnerAgent, meta.Owner)

	require.NoError(t, m.SetVisible("sess-agent", true))
	meta, err = m.GetMetadata("sess-agent")
	require.NoError(t, err)
	require.Equal(t, OwnerUser, meta.Owner)
	require.True(t, meta.Visible)
}

func TestGetHistoryOnUnknownSessionErrors(t *testing.T) {
	m := NewManager()
	_, err := m.GetHistory("missing")
	require.Error(t, err)
}

func TestListIncludesRegisteredSessions(t *testing.T) {
	m, id := startEchoPTY(t)
	require.Contains(t, m.List(), id)
}

func TestShutdownAllTerminatesRunningSessions(t *testing.T) {
	m, _ := startEchoPTY(t)
	done := make(chan struct{})
	go func() {
		m.ShutdownAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ShutdownAll did not return")
	}
}
