package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	fakeadapter "alex/internal/adapter/fake"
	"alex/internal/approval"
	"alex/internal/events"
	"alex/internal/pty"
	"alex/internal/store"
	"alex/internal/store/memstore"
)

const testToken = "test-token-0123456789"

type harness struct {
	gw     *Gateway
	bus    *events.Bus
	s      store.Store
	ptyMgr *pty.Manager
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus()
	s := memstore.New(memstore.WithPublisher(bus))
	ptyMgr := pty.NewManager()
	broker := approval.NewBroker(s, chatResolverFunc(func(string) (string, bool) { return "", false }))

	gw := New(Config{AuthToken: testToken}, Dependencies{
		Bus:      bus,
		PTY:      ptyMgr,
		Approval: broker,
		Adapter:  fakeadapter.New(),
	})
	srv := httptest.NewServer(gw.Engine())
	t.Cleanup(srv.Close)

	return &harness{gw: gw, bus: bus, s: s, ptyMgr: ptyMgr, srv: srv}
}

type chatResolverFunc func(string) (string, bool)

func (f chatResolverFunc) ChatIDForThread(threadID string) (string, bool) { return f(threadID) }

func dial(t *testing.T, h *harness, headers http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(wsURL, headers)
}

func TestUpgradeRejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	_, resp, err := dial(t, h, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeAcceptsBearerToken(t *testing.T) {
	h := newHarness(t)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+testToken)
	conn, resp, err := dial(t, h, headers)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close()
}

func TestUpgradeAcceptsXForksdTokenHeader(t *testing.T) {
	h := newHarness(t)
	headers := http.Header{}
	headers.Set("X-Forksd-Token", testToken)
	conn, _, err := dial(t, h, headers)
	require.NoError(t, err)
	defer conn.Close()
}

func TestPingReceivesPong(t *testing.T) {
	h := newHarness(t)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+testToken)
	conn, _, err := dial(t, h, headers)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "pong", frame["type"])
}

func TestAgentEventIsDelivered(t *testing.T) {
	h := newHarness(t)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+testToken)
	conn, _, err := dial(t, h, headers)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, err = h.s.CreateProject(context.Background(), &store.Project{Path: "/tmp/proj", Name: "proj"})
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "agent", frame["type"])
}

func TestApprovalRespondRejectsMalformedToken(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.srv.URL+"/approval/not-a-valid-token/respond", "application/json", strings.NewReader(`{"decision":"accept"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalRespondRejectsUnknownToken(t *testing.T) {
	h := newHarness(t)
	token := strings.Repeat("a", approvalTokenLen)
	resp, err := http.Post(h.srv.URL+"/approval/"+token+"/respond", "application/json", strings.NewReader(`{"decision":"accept"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestOriginAllowedDefaults(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.gw.originAllowed("http://localhost:3000"))
	require.True(t, h.gw.originAllowed(""))
	require.False(t, h.gw.originAllowed("https://evil.example"))
}
