// Package approval implements the Approval Broker (spec §4.5): the
// synchronous "ask the user" pattern layered over the asynchronous adapter
// event stream. Grounded on other_examples' KafClaw approval Manager — the
// waiter-channel table (map[string]chan Decision) and Create/Wait/Respond
// shape are kept (there is no startup cleanup step); session-cache accept,
// registry-based chat resolution, and cancellation-by-thread are new,
// required by spec §4.5.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"alex/internal/apperr"
	"alex/internal/logging"
	"alex/internal/store"
)

// Decision is the resolution of an approval request.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

const (
	tokenBytes     = 32
	defaultTimeout = 5 * time.Minute
	sessionCacheSize = 4096
)

// Request is the inbound approval ask from the agent adapter.
type Request struct {
	Type     store.ApprovalType
	ThreadID string
	TurnID   string
	ItemID   string
	Command  string
	Cwd      string
	Reason   string
	Data     map[string]any
}

func (r Request) sessionCacheKey() sessionKey {
	return sessionKey{kind: r.Type, command: r.Command, cwd: r.Cwd}
}

type sessionKey struct {
	kind    store.ApprovalType
	command string
	cwd     string
}

// ChatResolver resolves the chat that owns a running thread, the narrow
// slice of the Execution Registry the broker depends on.
type ChatResolver interface {
	ChatIDForThread(threadID string) (chatID string, ok bool)
}

// Broker brokers approval requests between the agent adapter and the
// gateway-facing notify entry point.
type Broker struct {
	store    store.Store
	resolver ChatResolver
	logger   logging.Logger
	timeout  time.Duration

	mu      sync.Mutex
	waiters map[string]chan Decision // token -> waiter

	sessionCache *lru.Cache[sessionKey, struct{}]
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger overrides the broker's logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithTimeout overrides the default 5-minute wait bound.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// NewBroker constructs a Broker backed by s for persistence/events and
// resolver for thread-to-chat resolution.
func NewBroker(s store.Store, resolver ChatResolver, opts ...Option) *Broker {
	cache, _ := lru.New[sessionKey, struct{}](sessionCacheSize)
	b := &Broker{
		store:        s,
		resolver:     resolver,
		logger:       logging.NewComponentLogger("ApprovalBroker"),
		timeout:      defaultTimeout,
		waiters:      make(map[string]chan Decision),
		sessionCache: cache,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	return b
}

func newToken() (string, error) {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// TokensEqual is the constant-time comparison required at the auth
// boundary for token lookups (spec §4.5).
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Request runs the full flow for one approval ask: session-cache
// short-circuit, registry resolution, row persistence, waiter
// registration, suspend-until-resolved-or-timeout.
func (b *Broker) Request(ctx context.Context, req Request) (Decision, error) {
	if b.sessionCache.Contains(req.sessionCacheKey()) {
		return DecisionAccept, nil
	}

	chatID, ok := b.resolver.ChatIDForThread(req.ThreadID)
	if !ok {
		return DecisionDecline, nil
	}

	token, err := newToken()
	if err != nil {
		return DecisionDecline, apperr.InternalError("generate approval token")
	}

	approval, err := b.store.CreateApproval(ctx, &store.Approval{
		ChatID:       chatID,
		Token:        token,
		ApprovalType: req.Type,
		ThreadID:     req.ThreadID,
		TurnID:       req.TurnID,
		ItemID:       req.ItemID,
		Command:      req.Command,
		Cwd:          req.Cwd,
		Reason:       req.Reason,
		Data:         req.Data,
	})
	if err != nil {
		return DecisionDecline, err
	}

	ch := make(chan Decision, 1)
	b.mu.Lock()
	b.waiters[token] = ch
	b.mu.Unlock()
	defer b.removeWaiter(token)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision, nil
	case <-timer.C:
		return b.resolveTimeout(ctx, approval.ID)
	case <-ctx.Done():
		_, _ = b.store.CancelApproval(ctx, approval.ID)
		return DecisionDecline, ctx.Err()
	}
}

// resolveTimeout re-reads the approval row: if it is still pending, the
// wait genuinely expired and the row is cancelled; if it was already
// resolved out-of-band (a notify raced the timer), that resolution is
// honored instead.
func (b *Broker) resolveTimeout(ctx context.Context, approvalID string) (Decision, error) {
	current, err := b.store.GetApproval(ctx, approvalID)
	if err != nil {
		return DecisionDecline, err
	}
	if current.Status != store.ApprovalPending {
		if current.Status == store.ApprovalAccepted {
			return DecisionAccept, nil
		}
		return DecisionDecline, nil
	}
	_, _ = b.store.CancelApproval(ctx, approvalID)
	return DecisionDecline, nil
}

func (b *Broker) removeWaiter(token string) {
	b.mu.Lock()
	delete(b.waiters, token)
	b.mu.Unlock()
}

// NotifyApprovalResponse is the external entry point the gateway calls with
// the user's decision. forSession, when true, additionally memoizes the
// (type, command, cwd) tuple in the process-scoped session cache so child
// subagents inherit the grant (acceptForSession).
func (b *Broker) NotifyApprovalResponse(ctx context.Context, token string, accepted, forSession bool) error {
	approval, err := b.store.GetApprovalByToken(ctx, token)
	if err != nil {
		return err
	}

	resp, err := b.store.RespondToApproval(ctx, approval.ID, accepted)
	if err != nil {
		return err
	}
	if resp == nil {
		// Already resolved; nothing further to do (approval-once, P3).
		return nil
	}

	if accepted && forSession {
		b.sessionCache.Add(sessionKey{kind: resp.ApprovalType, command: resp.Command, cwd: resp.Cwd}, struct{}{})
	}

	decision := DecisionDecline
	if accepted {
		decision = DecisionAccept
	}
	b.deliver(token, decision)
	return nil
}

func (b *Broker) deliver(token string, decision Decision) {
	b.mu.Lock()
	ch, ok := b.waiters[token]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- decision:
	default:
	}
}

// CancelForThread resolves every pending approval bound to threadID as
// decline, transitioning each Approval row to cancelled. Used when an
// execution is cancelled or its thread dies (spec §4.5 "Cancellation").
func (b *Broker) CancelForThread(ctx context.Context, threadID string) error {
	pending, err := b.store.ListPendingApprovalsByThread(ctx, threadID)
	if err != nil {
		return err
	}
	for _, a := range pending {
		if _, err := b.store.CancelApproval(ctx, a.ID); err != nil {
			b.logger.Error("cancel approval %s for dead thread %s: %v", a.ID, threadID, err)
			continue
		}
		b.deliver(a.Token, DecisionDecline)
	}
	return nil
}

// Shutdown declines every outstanding waiter and clears the session cache.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	tokens := make([]string, 0, len(b.waiters))
	for token := range b.waiters {
		tokens = append(tokens, token)
	}
	b.mu.Unlock()

	for _, token := range tokens {
		b.deliver(token, DecisionDecline)
	}
	b.sessionCache.Purge()
}
