package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeck-dev/codeck/internal/bus"
	"github.com/codeck-dev/codeck/internal/errkind"
	"github.com/codeck-dev/codeck/pkg/protocol"
)

// tickInterval is how often due agents are checked. Cron granularity is one
// minute, so half that keeps firings within their minute.
const tickInterval = 30 * time.Second

// AgentView is the API-facing combination of config and state.
type AgentView struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// Scheduler owns the agent table, cron firing, per-cwd serialisation, and
// failure quarantine.
type Scheduler struct {
	store     *Store
	executor  *Executor
	queue     *cwdQueue
	bus       bus.Publisher
	maxAgents int

	mu        sync.Mutex
	configs   map[string]*Config
	states    map[string]*State
	schedules map[string]*Schedule

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewScheduler(store *Store, executor *Executor, publisher bus.Publisher, maxAgents int) (*Scheduler, error) {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	configs, states, err := store.LoadAll()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:     store,
		executor:  executor,
		queue:     newCwdQueue(),
		bus:       publisher,
		maxAgents: maxAgents,
		configs:   configs,
		states:    states,
		schedules: make(map[string]*Schedule),
		runCtx:    ctx,
		cancelRun: cancel,
		now:       time.Now,
	}

	for id, cfg := range configs {
		sched, err := ParseSchedule(cfg.CronExpr)
		if err != nil {
			slog.Warn("agent has invalid cron, pausing", "agentId", id, "error", err)
			states[id].Status = StatusPaused
			continue
		}
		s.schedules[id] = sched
		if states[id].Status == StatusActive {
			s.armLocked(id)
		}
	}
	return s, nil
}

// armLocked computes and stores the next firing for an active agent.
func (s *Scheduler) armLocked(id string) {
	sched, ok := s.schedules[id]
	if !ok {
		return
	}
	next, err := sched.Next(s.now())
	if err != nil {
		return
	}
	s.states[id].NextRunAt = &next
	s.store.SaveState(id, s.states[id])
}

// List returns all agents sorted by nothing in particular; callers sort.
func (s *Scheduler) List() []AgentView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentView, 0, len(s.configs))
	for id, cfg := range s.configs {
		out = append(out, AgentView{Config: *cfg, State: *s.states[id]})
	}
	return out
}

func (s *Scheduler) Get(id string) (*AgentView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "unknown agent")
	}
	return &AgentView{Config: *cfg, State: *s.states[id]}, nil
}

// Create validates, scans the objective, and registers a new agent.
func (s *Scheduler) Create(cfg *Config) (*AgentView, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.configs) >= s.maxAgents {
		return nil, errkind.Newf(errkind.Conflict, "agent limit reached (%d)", s.maxAgents)
	}

	ScanObjective(cfg.Name, cfg.Objective)

	cfg.ID = uuid.NewString()
	cfg.CreatedAt = s.now()
	cfg.UpdatedAt = cfg.CreatedAt
	if err := s.store.SaveConfig(cfg); err != nil {
		return nil, err
	}

	sched, _ := ParseSchedule(cfg.CronExpr)
	s.configs[cfg.ID] = cfg
	s.states[cfg.ID] = &State{Status: StatusActive}
	s.schedules[cfg.ID] = sched
	s.armLocked(cfg.ID)

	slog.Info("agent created", "agentId", cfg.ID, "name", cfg.Name, "cron", cfg.CronExpr)
	return &AgentView{Config: *cfg, State: *s.states[cfg.ID]}, nil
}

// Update replaces an agent's config; id and createdAt are preserved.
func (s *Scheduler) Update(id string, cfg *Config) (*AgentView, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.configs[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "unknown agent")
	}

	ScanObjective(cfg.Name, cfg.Objective)

	cfg.ID = id
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = s.now()
	if err := s.store.SaveConfig(cfg); err != nil {
		return nil, err
	}

	sched, _ := ParseSchedule(cfg.CronExpr)
	s.configs[id] = cfg
	s.schedules[id] = sched
	if s.states[id].Status == StatusActive {
		s.armLocked(id)
	}
	return &AgentView{Config: *cfg, State: *s.states[id]}, nil
}

func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return errkind.New(errkind.NotFound, "unknown agent")
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	delete(s.configs, id)
	delete(s.states, id)
	delete(s.schedules, id)
	slog.Info("agent deleted", "agentId", id)
	return nil
}

// Pause disarms an agent's cron without touching its failure count.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return errkind.New(errkind.NotFound, "unknown agent")
	}
	st.Status = StatusPaused
	st.NextRunAt = nil
	return s.store.SaveState(id, st)
}

// Resume re-activates a paused or quarantined agent, clearing the failure
// streak and re-arming its cron.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return errkind.New(errkind.NotFound, "unknown agent")
	}
	st.Status = StatusActive
	st.ConsecutiveFailures = 0
	s.armLocked(id)
	return s.store.SaveState(id, st)
}

// Trigger runs an agent now, outside its cron.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	cfg, ok := s.configs[id]
	s.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NotFound, "unknown agent")
	}
	s.dispatch(cfg.ID, cfg.Cwd)
	return nil
}

// Run fires due agents until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.tick()
		}
	}
}

// tick enqueues every due agent, then recomputes its next firing and
// broadcasts the new schedule. Recompute runs strictly after the enqueue.
func (s *Scheduler) tick() {
	now := s.now()

	s.mu.Lock()
	type due struct{ id, cwd string }
	var fired []due
	for id, st := range s.states {
		if st.Status != StatusActive || st.NextRunAt == nil || st.NextRunAt.After(now) {
			continue
		}
		fired = append(fired, due{id: id, cwd: s.configs[id].Cwd})
	}
	s.mu.Unlock()

	for _, d := range fired {
		s.dispatch(d.id, d.cwd)

		s.mu.Lock()
		s.armLocked(d.id)
		next := s.states[d.id].NextRunAt
		s.mu.Unlock()

		s.broadcast(d.id, protocol.AgentEventScheduled, map[string]any{"nextRunAt": next})
	}
}

// dispatch runs the agent immediately when its cwd is free; otherwise it
// joins the cwd's FIFO queue.
func (s *Scheduler) dispatch(id, cwd string) {
	if !s.queue.acquire(cwd, id) {
		slog.Debug("agent queued behind cwd", "agentId", id, "cwd", cwd)
		return
	}
	s.wg.Add(1)
	go s.runAgent(id, cwd)
}

func (s *Scheduler) runAgent(id, cwd string) {
	defer s.wg.Done()

	s.mu.Lock()
	cfg, ok := s.configs[id]
	s.mu.Unlock()

	if ok {
		rec := s.executor.Run(s.runCtx, cfg)
		s.recordOutcome(id, rec)
	}

	if next, promoted := s.queue.release(cwd, id); promoted {
		s.wg.Add(1)
		go s.runAgent(next, cwd)
	}
}

func (s *Scheduler) recordOutcome(id string, rec *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return
	}

	now := rec.CompletedAt
	st.LastRunAt = &now
	st.LastResult = rec.Result
	st.TotalRuns++

	if rec.Result == ResultSuccess {
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
		cfg := s.configs[id]
		if st.ConsecutiveFailures >= cfg.MaxRetries {
			st.Status = StatusError
			st.NextRunAt = nil
			slog.Warn("agent quarantined", "agentId", id, "consecutiveFailures", st.ConsecutiveFailures)
			s.broadcast(id, protocol.AgentEventQuarantined, map[string]any{
				"consecutiveFailures": st.ConsecutiveFailures,
			})
		}
	}
	s.store.SaveState(id, st)
}

// Shutdown disarms crons, signals running executions, and waits for them.
func (s *Scheduler) Shutdown() {
	s.cancelRun()
	s.executor.SignalAll()
	s.wg.Wait()
}

func (s *Scheduler) broadcast(agentID, eventType string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(bus.Event{
		Name:    protocol.EventAgent,
		Payload: protocol.AgentEvent{Type: eventType, AgentID: agentID, Data: data},
	})
}
