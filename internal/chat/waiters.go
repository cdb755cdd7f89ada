package chat

import (
	"context"
	"sync"
	"time"

	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/metrics"
)

// Wait outcomes for a blocked send.
const (
	WaitReplied    = "replied"
	WaitSenderLeft = "sender_left"
	WaitTimeout    = "timeout"
	WaitCancelled  = "cancelled"
)

// WaitResult is the terminal state of a blocked send-and-wait request.
type WaitResult struct {
	Status         string
	Reply          string
	ReplyFrom      string
	ReplyMessageID string
}

// Waiter is one blocked send registered for session events. It exists only
// for the lifetime of the blocked request.
type Waiter struct {
	id            uint64
	sessionID     string
	agentID       string
	sentMessageID string
	sentAt        time.Time

	// guarded by the registry mutex
	deadline time.Time

	result chan WaitResult // buffered; first resolution wins
}

// Registry holds the process's active waiters keyed by session and drives
// them from bus events. Sessions hold no back-reference to waiters; lookup
// is through the map only.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]map[uint64]*Waiter
	next    uint64

	clk       clock.Clock
	log       *logging.Logger
	extension time.Duration
}

// NewRegistry creates a waiter registry. extension is the deadline bump
// applied by hang-on messages and covering read receipts.
func NewRegistry(clk clock.Clock, log *logging.Logger, extension time.Duration) *Registry {
	return &Registry{
		waiters:   make(map[string]map[uint64]*Waiter),
		clk:       clk,
		log:       log,
		extension: extension,
	}
}

// Run consumes bus events and dispatches them to waiters until ctx is
// cancelled. Both locally published and bridge-injected events arrive
// through the same subscription, so waiters work identically in single- and
// multi-process deployments.
func (r *Registry) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.SubscribeAll()
	defer cancel()
	for {
		select {
		case evt := <-ch:
			r.dispatch(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Register adds a waiter for the just-sent message. The caller must follow
// up with Await (or Cancel) to release it.
func (r *Registry) Register(sessionID, agentID, sentMessageID string, sentAt, deadline time.Time) *Waiter {
	w := &Waiter{
		sessionID:     sessionID,
		agentID:       agentID,
		sentMessageID: sentMessageID,
		sentAt:        sentAt,
		deadline:      deadline,
		result:        make(chan WaitResult, 1),
	}

	r.mu.Lock()
	r.next++
	w.id = r.next
	if r.waiters[sessionID] == nil {
		r.waiters[sessionID] = make(map[uint64]*Waiter)
	}
	r.waiters[sessionID][w.id] = w
	r.mu.Unlock()

	metrics.ActiveWaiters.Inc()
	return w
}

// Cancel releases a registered waiter that will never be awaited, for
// callers that fail between registration and Await.
func (r *Registry) Cancel(w *Waiter) {
	r.remove(w)
	metrics.ActiveWaiters.Dec()
}

// Await blocks until the waiter resolves: a reply or departure arrives, the
// effective deadline lapses, or ctx is cancelled. The waiter is always
// deregistered before returning.
func (r *Registry) Await(ctx context.Context, w *Waiter) WaitResult {
	start := r.clk.Now()
	defer func() {
		r.remove(w)
		metrics.ActiveWaiters.Dec()
		metrics.WaitDuration.Observe(r.clk.Since(start).Seconds())
	}()

	for {
		r.mu.Lock()
		deadline := w.deadline
		r.mu.Unlock()

		select {
		case res := <-w.result:
			metrics.WaitOutcomes.WithLabelValues(res.Status).Inc()
			return res
		case <-r.clk.After(r.clk.Until(deadline)):
			r.mu.Lock()
			lapsed := !r.clk.Now().Before(w.deadline)
			r.mu.Unlock()
			if !lapsed {
				// Extended while we slept; arm a timer for the new deadline.
				continue
			}
			// A resolution may have raced the timer.
			select {
			case res := <-w.result:
				metrics.WaitOutcomes.WithLabelValues(res.Status).Inc()
				return res
			default:
			}
			metrics.WaitOutcomes.WithLabelValues(WaitTimeout).Inc()
			return WaitResult{Status: WaitTimeout}
		case <-ctx.Done():
			metrics.WaitOutcomes.WithLabelValues(WaitCancelled).Inc()
			return WaitResult{Status: WaitCancelled}
		}
	}
}

// ActiveWaiter reports whether some agent is currently blocked on the
// session, with its identity and effective deadline. With several waiters
// the one with the furthest deadline is reported.
func (r *Registry) ActiveWaiter(sessionID string) (agentID string, deadline time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[sessionID] {
		if !ok || w.deadline.After(deadline) {
			agentID, deadline, ok = w.agentID, w.deadline, true
		}
	}
	return agentID, deadline, ok
}

// WouldExtend reports whether a read receipt by readerAgentID covering
// messages up to upTo would extend some other agent's wait.
func (r *Registry) WouldExtend(sessionID, readerAgentID string, upTo time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[sessionID] {
		if w.agentID != readerAgentID && !w.sentAt.After(upTo) {
			return true
		}
	}
	return false
}

func (r *Registry) dispatch(evt events.Event) {
	switch evt.Type {
	case events.EventMessage:
		r.onMessage(evt)
	case events.EventReadReceipt:
		r.onReadReceipt(evt)
	}
}

func (r *Registry) onMessage(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[evt.SessionID] {
		// Replay skip: a waiter never reacts to its own sent message, and
		// nothing a waiter sends resolves its own wait.
		if evt.MessageID == w.sentMessageID || evt.FromAgentID == w.agentID {
			continue
		}
		if evt.HangOn {
			if evt.ExtendsWaitSeconds > 0 {
				r.extendLocked(w, time.Duration(evt.ExtendsWaitSeconds)*time.Second)
			}
			continue
		}
		res := WaitResult{Status: WaitReplied, Reply: evt.Body, ReplyFrom: evt.FromAgent, ReplyMessageID: evt.MessageID}
		if evt.SenderLeaving {
			res.Status = WaitSenderLeft
		}
		select {
		case w.result <- res:
		default:
			// Already resolved.
		}
	}
}

func (r *Registry) onReadReceipt(evt events.Event) {
	if evt.ExtendsWaitSeconds <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[evt.SessionID] {
		if w.agentID == evt.ReaderAgentID {
			continue
		}
		// Only receipts covering the waiter's sent message count as
		// progress on it.
		if w.sentAt.After(evt.UpToCreatedAt) {
			continue
		}
		r.extendLocked(w, time.Duration(evt.ExtendsWaitSeconds)*time.Second)
	}
}

// extendLocked applies the deadline rule: effective_deadline =
// max(now, effective_deadline) + extends.
func (r *Registry) extendLocked(w *Waiter, extends time.Duration) {
	base := w.deadline
	if now := r.clk.Now(); now.After(base) {
		base = now
	}
	w.deadline = base.Add(extends)
	r.log.Debug("wait extended", "session_id", w.sessionID, "agent_id", w.agentID, "deadline", w.deadline)
}

func (r *Registry) remove(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.waiters[w.sessionID]; m != nil {
		delete(m, w.id)
		if len(m) == 0 {
			delete(r.waiters, w.sessionID)
		}
	}
}
