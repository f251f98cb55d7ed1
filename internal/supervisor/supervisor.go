// Package supervisor watches stage agents, snapshots their state while they
// are healthy and restores the last good snapshot when one degrades.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/registry"
)

// Defaults for health thresholds.
const (
	DefaultMaxErrorRate   = 0.5
	DefaultMaxAvgDuration = 10 * time.Second
)

// Health is an agent's self-reported request statistics.
type Health struct {
	Requests     int64         `json:"requests"`
	Errors       int64         `json:"errors"`
	AvgDuration  time.Duration `json:"avg_duration"`
	LastError    string        `json:"last_error,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitzero"`
}

// ErrorRate is Errors/Requests, zero without requests.
func (h Health) ErrorRate() float64 {
	if h.Requests == 0 {
		return 0
	}
	return float64(h.Errors) / float64(h.Requests)
}

// Agent reports its health.
type Agent interface {
	Health(ctx context.Context) (Health, error)
}

// Snapshotter is an Agent whose state can be saved and restored.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, error)
	Restore(ctx context.Context, state []byte) error
}

// Status is the supervisor's view of one agent.
type Status struct {
	AgentID    string    `json:"agent_id"`
	Healthy    bool      `json:"healthy"`
	Reason     string    `json:"reason,omitempty"`
	Health     Health    `json:"health"`
	LastCheck  time.Time `json:"last_check,omitzero"`
	LastBackup time.Time `json:"last_backup,omitzero"`
	HasBackup  bool      `json:"has_backup"`
	Restores   int       `json:"restores"`
}

type entry struct {
	agent    Agent
	status   Status
	snapshot []byte
}

// Supervisor tracks a set of agents.
type Supervisor struct {
	reg    *registry.Registry
	store  pipeline.Store
	logger log.Logger
	now    func() time.Time

	MaxErrorRate   float64
	MaxAvgDuration time.Duration

	mu     sync.Mutex
	agents map[string]*entry
}

// New creates a supervisor. reg and store may be nil.
func New(reg *registry.Registry, store pipeline.Store, logger log.Logger) *Supervisor {
	return &Supervisor{
		reg:            reg,
		store:          store,
		logger:         logger,
		now:            time.Now,
		MaxErrorRate:   DefaultMaxErrorRate,
		MaxAvgDuration: DefaultMaxAvgDuration,
		agents:         make(map[string]*entry),
	}
}

// Watch adds or replaces an agent. Replacing drops its snapshot.
func (s *Supervisor) Watch(agentID string, a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = &entry{agent: a, status: Status{AgentID: agentID, Healthy: true}}
}

// Unwatch stops tracking an agent.
func (s *Supervisor) Unwatch(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

func (s *Supervisor) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agents))
	for id := range s.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) get(agentID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentID]
	return e, ok
}

// evaluate returns an empty reason for a healthy report.
func (s *Supervisor) evaluate(h Health, probeErr error) string {
	switch {
	case probeErr != nil:
		return "health probe failed: " + probeErr.Error()
	case h.ErrorRate() > s.MaxErrorRate:
		return fmt.Sprintf("error rate %.2f above %.2f", h.ErrorRate(), s.MaxErrorRate)
	case h.AvgDuration > s.MaxAvgDuration:
		return fmt.Sprintf("average duration %s above %s", h.AvgDuration, s.MaxAvgDuration)
	}
	return ""
}

// CheckHealth probes every agent and returns the ids found unhealthy. An
// unhealthy agent with a snapshot is restored from it, and agent.unhealthy
// is published either way.
func (s *Supervisor) CheckHealth(ctx context.Context) []string {
	var unhealthy []string
	for _, id := range s.ids() {
		e, ok := s.get(id)
		if !ok {
			continue
		}

		h, err := e.agent.Health(ctx)
		reason := s.evaluate(h, err)

		s.mu.Lock()
		e.status.Health = h
		e.status.LastCheck = s.now()
		e.status.Healthy = reason == ""
		e.status.Reason = reason
		snap := e.snapshot
		s.mu.Unlock()

		if reason == "" {
			continue
		}
		unhealthy = append(unhealthy, id)
		s.handleUnhealthy(ctx, id, e, reason, snap)
	}
	return unhealthy
}

func (s *Supervisor) handleUnhealthy(ctx context.Context, id string, e *entry, reason string, snap []byte) {
	L := s.logger.With("agent_id", id)
	L.Warn(ctx, "agent unhealthy", "reason", reason)

	restored := false
	if sn, ok := e.agent.(Snapshotter); ok && snap != nil {
		if err := sn.Restore(ctx, snap); err != nil {
			L.Error(ctx, err, "agent restore failed")
		} else {
			restored = true
			s.mu.Lock()
			e.status.Restores++
			s.mu.Unlock()
			L.Info(ctx, "agent restored from snapshot")
		}
	}

	if s.reg != nil {
		s.reg.Publish(pipeline.TopicAgentUnhealthy, registry.Payload{
			"priority": pipeline.PriorityHigh,
			"agent_id": id,
			"reason":   reason,
			"restored": restored,
		})
	}
}

// Backup snapshots every healthy Snapshotter and returns how many it saved.
// An unhealthy agent keeps its previous snapshot so a restore always goes
// back to a good state.
func (s *Supervisor) Backup(ctx context.Context) int {
	saved := 0
	for _, id := range s.ids() {
		e, ok := s.get(id)
		if !ok {
			continue
		}
		sn, ok := e.agent.(Snapshotter)
		if !ok {
			continue
		}
		if h, err := e.agent.Health(ctx); s.evaluate(h, err) != "" {
			continue
		}

		state, err := sn.Snapshot(ctx)
		if err != nil {
			s.logger.Error(ctx, err, "agent snapshot failed", "agent_id", id)
			continue
		}
		now := s.now()

		s.mu.Lock()
		e.snapshot = state
		e.status.LastBackup = now
		e.status.HasBackup = true
		s.mu.Unlock()
		saved++

		s.persist(ctx, id, state, now)
	}
	return saved
}

func (s *Supervisor) persist(ctx context.Context, id string, state []byte, at time.Time) {
	if s.store == nil {
		return
	}
	rec := pipeline.Record{
		"agent_id": id,
		"state":    string(state),
		"taken_at": at.UTC().Format(time.RFC3339Nano),
	}
	if err := s.store.Upsert(ctx, pipeline.TableAgentSnapshots, rec, "agent_id"); err != nil {
		s.logger.Error(ctx, err, "failed to persist agent snapshot", "agent_id", id)
	}
}

// LoadSnapshots seeds in-memory snapshots from the store so a restart can
// still restore agents. Agents must be watched first.
func (s *Supervisor) LoadSnapshots(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.Select(ctx, pipeline.TableAgentSnapshots, nil)
	if err != nil {
		return 0, fmt.Errorf("load agent snapshots: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range recs {
		e, ok := s.agents[rec.String("agent_id")]
		if !ok {
			continue
		}
		e.snapshot = []byte(rec.String("state"))
		e.status.HasBackup = true
		e.status.LastBackup = rec.Time("taken_at")
		n++
	}
	return n, nil
}

// ErrUnknownAgent is returned for ids that are not watched.
var ErrUnknownAgent = errors.New("unknown agent")

// Status returns the last known status of one agent.
func (s *Supervisor) Status(agentID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return e.status, nil
}

// Statuses returns every agent's status ordered by id.
func (s *Supervisor) Statuses() []Status {
	ids := s.ids()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, err := s.Status(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}
