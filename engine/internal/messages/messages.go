// Package messages implements spec component C5: bounded, per-(workflow,
// agent) FIFO mailboxes used for agent-to-agent coordination within a
// workflow, with TTL expiry and long-poll delivery.
package messages

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vllm-router/core/engine/internal/domain"
	"github.com/vllm-router/core/engine/internal/metrics"
)

// BroadcastAgent is the special agent id that post() expands, at post time,
// into one copy per agent currently known in the workflow.
const BroadcastAgent = "*"

// Message is one entry in an agent's mailbox.
type Message struct {
	ID         string
	WorkflowID string
	FromAgent  string
	ToAgent    string
	Body       map[string]interface{}
	PostedAt   time.Time
	ExpiresAt  time.Time
}

// QueueStats reports one mailbox's current occupancy, for GET /v1/workflows
// style diagnostics.
type QueueStats struct {
	WorkflowID   string
	AgentID      string
	Size         int
	DroppedCount int64
}

// Config carries the manager's tunables.
type Config struct {
	MaxQueueSize   int
	MaxMessageSize int // bytes, measured on the JSON-encoded body
	MessageTTL     time.Duration
	SweepInterval  time.Duration
}

// Defaults returns the spec's documented defaults.
func Defaults() Config {
	return Config{MaxQueueSize: 256, MaxMessageSize: 1 << 20, MessageTTL: 5 * time.Minute, SweepInterval: time.Second}
}

type mailbox struct {
	mu           sync.Mutex
	messages     []Message
	droppedCount int64
	notify       chan struct{} // closed and replaced whenever a message arrives
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{})}
}

func (mb *mailbox) wake() {
	close(mb.notify)
	mb.notify = make(chan struct{})
}

type workflowMailboxes struct {
	mu      sync.RWMutex
	byAgent map[string]*mailbox
}

// Manager holds every workflow's mailboxes and sweeps expired messages.
type Manager struct {
	cfg   Config
	clock domain.Clock

	mu         sync.RWMutex
	workflows  map[string]*workflowMailboxes

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	series *metrics.Series
}

// SetSeries wires the per-mailbox queue-size gauge
// (vllm_agent_message_queue_size) into Post/Poll/sweep. Optional; a Manager
// with no series set just skips the metric update.
func (m *Manager) SetSeries(series *metrics.Series) *Manager {
	m.series = series
	return m
}

// reportQueueSize publishes agentID's current mailbox occupancy within
// workflowID. Called after any operation that changes a mailbox's length.
func (m *Manager) reportQueueSize(workflowID, agentID string, mb *mailbox) {
	if m.series == nil {
		return
	}
	mb.mu.Lock()
	size := len(mb.messages)
	mb.mu.Unlock()
	m.series.AgentQueueSize.Set(float64(size), workflowID, agentID)
}

// New builds a Manager and starts its TTL sweep loop.
func New(cfg Config, clock domain.Clock) *Manager {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = Defaults().MaxQueueSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = Defaults().MaxMessageSize
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = Defaults().MessageTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = Defaults().SweepInterval
	}
	if clock == nil {
		clock = domain.RealClock{}
	}
	m := &Manager{cfg: cfg, clock: clock, workflows: make(map[string]*workflowMailboxes), stopCh: make(chan struct{})}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

func (m *Manager) workflow(workflowID string) *workflowMailboxes {
	m.mu.RLock()
	wf, ok := m.workflows[workflowID]
	m.mu.RUnlock()
	if ok {
		return wf
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok = m.workflows[workflowID]; ok {
		return wf
	}
	wf = &workflowMailboxes{byAgent: make(map[string]*mailbox)}
	m.workflows[workflowID] = wf
	return wf
}

func (wf *workflowMailboxes) mailboxFor(agentID string) *mailbox {
	wf.mu.RLock()
	mb, ok := wf.byAgent[agentID]
	wf.mu.RUnlock()
	if ok {
		return mb
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	if mb, ok = wf.byAgent[agentID]; ok {
		return mb
	}
	mb = newMailbox()
	wf.byAgent[agentID] = mb
	return mb
}

func (wf *workflowMailboxes) knownAgents() []string {
	wf.mu.RLock()
	defer wf.mu.RUnlock()
	out := make([]string, 0, len(wf.byAgent))
	for id := range wf.byAgent {
		out = append(out, id)
	}
	return out
}

// Post enqueues body from fromAgent to toAgent. toAgent == BroadcastAgent
// expands, at post time, into one copy per agent currently known in the
// workflow except fromAgent itself (an agent that starts polling afterwards
// does not retroactively receive it, and the source agent never receives its
// own broadcast). Overflowing a mailbox drops the oldest message and bumps
// its dropped counter rather than rejecting the post. Returns an error if
// the encoded body exceeds MaxMessageSize; nothing is enqueued in that case.
func (m *Manager) Post(workflowID, fromAgent, toAgent string, body map[string]interface{}) ([]Message, error) {
	if encoded, err := json.Marshal(body); err == nil && len(encoded) > m.cfg.MaxMessageSize {
		return nil, domain.NewRoutingError(domain.ErrMessageTooLarge, "message body exceeds max_message_size")
	}

	wf := m.workflow(workflowID)
	now := m.clock.Now()
	expiresAt := now.Add(m.cfg.MessageTTL)

	targets := []string{toAgent}
	if toAgent == BroadcastAgent {
		targets = nil
		for _, agentID := range wf.knownAgents() {
			if agentID != fromAgent {
				targets = append(targets, agentID)
			}
		}
	}

	posted := make([]Message, 0, len(targets))
	for _, target := range targets {
		msg := Message{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			FromAgent:  fromAgent,
			ToAgent:    target,
			Body:       body,
			PostedAt:   now,
			ExpiresAt:  expiresAt,
		}
		mb := wf.mailboxFor(target)
		mb.mu.Lock()
		if len(mb.messages) >= m.cfg.MaxQueueSize {
			mb.messages = mb.messages[1:]
			mb.droppedCount++
		}
		mb.messages = append(mb.messages, msg)
		mb.wake()
		mb.mu.Unlock()
		posted = append(posted, msg)
		m.reportQueueSize(workflowID, target, mb)
	}
	return posted, nil
}

// Poll waits until a message is available for (workflowID, agentID), ctx is
// cancelled, or the deadline elapses, whichever comes first. Returns
// (Message{}, false) on timeout/cancellation with no error: a long-poll
// deadline is an expected outcome, not a failure.
func (m *Manager) Poll(ctx context.Context, workflowID, agentID string, deadline time.Duration) (Message, bool) {
	wf := m.workflow(workflowID)
	mb := wf.mailboxFor(agentID)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		mb.mu.Lock()
		if len(mb.messages) > 0 {
			msg := mb.messages[0]
			mb.messages = mb.messages[1:]
			mb.mu.Unlock()
			m.reportQueueSize(workflowID, agentID, mb)
			return msg, true
		}
		wake := mb.notify
		mb.mu.Unlock()

		select {
		case <-wake:
			// DestroyWorkflow also wakes pollers; a poller whose workflow is
			// gone returns instead of waiting out its deadline.
			m.mu.RLock()
			cur, live := m.workflows[workflowID]
			m.mu.RUnlock()
			if !live || cur != wf {
				return Message{}, false
			}
			continue
		case <-timer.C:
			return Message{}, false
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// AgentStats reports the current occupancy of every agent mailbox known for
// workflowID, for the diagnostic GET /v1/workflows/{id}/status endpoint.
func (m *Manager) AgentStats(workflowID string) []QueueStats {
	wf := m.workflow(workflowID)
	agents := wf.knownAgents()
	out := make([]QueueStats, 0, len(agents))
	for _, agentID := range agents {
		out = append(out, m.Stats(workflowID, agentID))
	}
	return out
}

// Stats returns the current occupancy of one agent's mailbox.
func (m *Manager) Stats(workflowID, agentID string) QueueStats {
	wf := m.workflow(workflowID)
	mb := wf.mailboxFor(agentID)
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return QueueStats{WorkflowID: workflowID, AgentID: agentID, Size: len(mb.messages), DroppedCount: mb.droppedCount}
}

// DestroyWorkflow drops every mailbox for workflowID, waking any pollers so
// they return promptly instead of waiting out their deadline.
func (m *Manager) DestroyWorkflow(workflowID string) {
	m.mu.Lock()
	wf, ok := m.workflows[workflowID]
	delete(m.workflows, workflowID)
	m.mu.Unlock()
	if !ok {
		return
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	for _, mb := range wf.byAgent {
		mb.mu.Lock()
		mb.wake()
		mb.mu.Unlock()
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	now := m.clock.Now()
	m.mu.RLock()
	workflows := make(map[string]*workflowMailboxes, len(m.workflows))
	for id, wf := range m.workflows {
		workflows[id] = wf
	}
	m.mu.RUnlock()

	for workflowID, wf := range workflows {
		wf.mu.RLock()
		mailboxes := make(map[string]*mailbox, len(wf.byAgent))
		for agentID, mb := range wf.byAgent {
			mailboxes[agentID] = mb
		}
		wf.mu.RUnlock()

		for agentID, mb := range mailboxes {
			mb.mu.Lock()
			kept := mb.messages[:0]
			for _, msg := range mb.messages {
				if msg.ExpiresAt.After(now) {
					kept = append(kept, msg)
				}
			}
			mb.messages = kept
			mb.mu.Unlock()
			m.reportQueueSize(workflowID, agentID, mb)
		}
	}
}

// Close stops the sweep loop.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}
