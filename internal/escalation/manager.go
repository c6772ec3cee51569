package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"safegate/internal/gateway/notifier"
	"safegate/internal/logger"

	"github.com/google/uuid"
)

// Status is the lifecycle of an escalation request. A request leaves
// pending exactly once and is immutable afterwards.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Request is a bounded-time ask for human approval.
type Request struct {
	ID        string         `json:"id"`
	Reason    string         `json:"reason"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
	Timeout   time.Duration  `json:"timeout"`
}

// HumanDecision is the operator's answer to a request.
type HumanDecision struct {
	Approved  bool      `json:"approved"`
	Reasoning string    `json:"reasoning"`
	At        time.Time `json:"at"`
}

// Outcome is the terminal result of a request. Timed-out is treated by the
// gate identically to rejected.
type Outcome struct {
	Status   Status         `json:"status"`
	Decision *HumanDecision `json:"decision,omitempty"`
}

// Approved reports whether a human explicitly approved the request.
func (o Outcome) Approved() bool {
	return o.Status == StatusApproved
}

// Record is the persisted form of a resolved (or expired) request.
type Record struct {
	Request    Request        `json:"request"`
	Status     Status         `json:"status"`
	Decision   *HumanDecision `json:"decision,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// Store persists escalation records for audit.
type Store interface {
	SaveEscalation(Record) error
}

var (
	ErrNotFound        = errors.New("escalation request not found")
	ErrAlreadyResolved = errors.New("escalation request already resolved")
)

type pendingRequest struct {
	req   Request
	done  chan Outcome
	timer *time.Timer
}

// maxResolvedRetained bounds the in-memory resolved map. The durable record
// lives in the store; the map only serves recent Status lookups and late
// decision detection, so old entries are evicted oldest-first.
const maxResolvedRetained = 1024

// Manager runs the pending -> {approved, rejected, timed_out} state machine
// for every escalation. Waiting happens on a per-request channel, never
// under a lock, so the risk ledger stays available while a request is open.
type Manager struct {
	mu            sync.Mutex
	pending       map[string]*pendingRequest
	resolved      map[string]Outcome
	resolvedOrder []string

	notifier notifier.TextNotifier
	store    Store
	timeout  time.Duration
}

func NewManager(timeout time.Duration, n notifier.TextNotifier, store Store) *Manager {
	if timeout <= 0 {
		timeout = 900 * time.Second
	}
	return &Manager{
		pending:  make(map[string]*pendingRequest),
		resolved: make(map[string]Outcome),
		notifier: n,
		store:    store,
		timeout:  timeout,
	}
}

// Open registers a new pending request, notifies the operator channel, and
// arms the timeout. The returned channel delivers the terminal outcome once.
func (m *Manager) Open(reason string, contextSnap map[string]any) (Request, <-chan Outcome) {
	req := Request{
		ID:        uuid.NewString(),
		Reason:    reason,
		Context:   contextSnap,
		CreatedAt: time.Now(),
		Timeout:   m.timeout,
	}
	p := &pendingRequest{req: req, done: make(chan Outcome, 1)}
	p.timer = time.AfterFunc(m.timeout, func() {
		m.resolve(req.ID, Outcome{Status: StatusTimedOut})
	})

	m.mu.Lock()
	m.pending[req.ID] = p
	m.mu.Unlock()

	go m.notify(req)
	logger.Infof("escalation: opened request %s (reason=%s timeout=%s)", req.ID, reason, m.timeout)
	return req, p.done
}

// Await opens a request and blocks until it resolves. Context cancellation
// (e.g. session end, caller gone) force-resolves the request to timed-out
// rather than leaving it dangling.
func (m *Manager) Await(ctx context.Context, reason string, contextSnap map[string]any) (Request, Outcome) {
	req, done := m.Open(reason, contextSnap)
	select {
	case out := <-done:
		return req, out
	case <-ctx.Done():
		m.resolve(req.ID, Outcome{Status: StatusTimedOut})
		// The resolve delivered the terminal outcome on done; a racing human
		// decision may have won, so read what actually got recorded.
		return req, <-done
	}
}

// Resolve applies a human decision. Late decisions for an already-resolved
// request are logged and discarded.
func (m *Manager) Resolve(id string, d HumanDecision) (Outcome, error) {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	status := StatusRejected
	if d.Approved {
		status = StatusApproved
	}
	out, err := m.resolveWith(id, Outcome{Status: status, Decision: &d})
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			logger.Warnf("escalation: late decision for resolved request %s discarded (approved=%v)", id, d.Approved)
		}
		return out, err
	}
	return out, nil
}

// ExpireAll force-resolves every pending request to timed-out. Called at
// session end so no request outlives its trading session.
func (m *Manager) ExpireAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.resolve(id, Outcome{Status: StatusTimedOut})
	}
	if len(ids) > 0 {
		logger.Warnf("escalation: expired %d pending requests at session end", len(ids))
	}
	return len(ids)
}

// Pending lists open requests, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Status reports the current state of a known request.
func (m *Manager) Status(id string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; ok {
		return Outcome{Status: StatusPending}, nil
	}
	if out, ok := m.resolved[id]; ok {
		return out, nil
	}
	return Outcome{}, ErrNotFound
}

func (m *Manager) resolve(id string, out Outcome) {
	if _, err := m.resolveWith(id, out); err != nil && !errors.Is(err, ErrAlreadyResolved) {
		logger.Warnf("escalation: resolving %s failed: %v", id, err)
	}
}

func (m *Manager) resolveWith(id string, out Outcome) (Outcome, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		prev, done := m.resolved[id]
		m.mu.Unlock()
		if done {
			return prev, ErrAlreadyResolved
		}
		return Outcome{}, ErrNotFound
	}
	delete(m.pending, id)
	m.resolved[id] = out
	m.resolvedOrder = append(m.resolvedOrder, id)
	if len(m.resolvedOrder) > maxResolvedRetained {
		evict := m.resolvedOrder[0]
		m.resolvedOrder = m.resolvedOrder[1:]
		delete(m.resolved, evict)
	}
	m.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out

	if m.store != nil {
		rec := Record{Request: p.req, Status: out.Status, Decision: out.Decision, ResolvedAt: time.Now()}
		if err := m.store.SaveEscalation(rec); err != nil {
			logger.Errorf("escalation: persisting record %s failed: %v", id, err)
		}
	}
	logger.Infof("escalation: request %s resolved to %s", id, out.Status)
	return out, nil
}

func (m *Manager) notify(req Request) {
	if m.notifier == nil {
		return
	}
	alert := notifier.EscalationAlert{
		RequestID: req.ID,
		Reason:    req.Reason,
		Context:   req.Context,
		Deadline:  req.CreatedAt.Add(req.Timeout),
		Timeout:   req.Timeout,
	}
	if err := m.notifier.SendText(alert.Render()); err != nil {
		// Fail closed: the timeout still resolves the request to timed-out.
		logger.Errorf("escalation: notification for %s failed: %v", req.ID, err)
	}
}
