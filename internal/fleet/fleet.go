package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/taskbrew/internal/board"
	"github.com/basket/taskbrew/internal/bus"
	"github.com/basket/taskbrew/internal/persistence"
	"github.com/basket/taskbrew/internal/provider"
	"github.com/basket/taskbrew/internal/roles"
	"github.com/basket/taskbrew/internal/shared"
)

// Config tunes the fleet's supervision timing. Zero values take the
// production defaults; tests compress them.
type Config struct {
	Loop              LoopConfig
	AutoscaleInterval time.Duration // default 5s
	MonitorInterval   time.Duration // heartbeat reaper tick, default 30s
	StaleAfter        time.Duration // instance heartbeat staleness, default 60s
}

func (c Config) normalized() Config {
	if c.AutoscaleInterval <= 0 {
		c.AutoscaleInterval = 5 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	return c
}

// Fleet owns every agent loop: startup spawning, orphan recovery,
// autoscaling, the heartbeat reaper, and pause/resume.
type Fleet struct {
	board     *board.Board
	registry  *roles.Registry
	bus       *bus.Bus
	providers *provider.Registry
	logger    *slog.Logger
	config    Config

	mu        sync.Mutex
	loops     map[string]*Loop // instance id -> loop
	lastScale map[string]time.Time
	paused    map[string]bool
	pausedAll bool
	ctx       context.Context
	started   bool

	wg sync.WaitGroup
}

// New builds a Fleet.
func New(brd *board.Board, registry *roles.Registry, eventBus *bus.Bus, providers *provider.Registry, logger *slog.Logger, cfg Config) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{
		board:     brd,
		registry:  registry,
		bus:       eventBus,
		providers: providers,
		logger:    logger,
		config:    cfg.normalized(),
		loops:     make(map[string]*Loop),
		lastScale: make(map[string]time.Time),
		paused:    make(map[string]bool),
	}
}

// Start recovers orphans from a prior run, spawns the initial instances per
// role, and starts the autoscaler and heartbeat monitor.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("fleet already started")
	}
	f.started = true
	f.ctx = ctx
	f.mu.Unlock()

	// Orphan recovery: every instance persisted by a prior run is dead by
	// definition; reclaim whatever it still holds.
	store := f.board.Store()
	prior, err := store.ListAgents(ctx, false)
	if err != nil {
		return fmt.Errorf("list prior agents: %w", err)
	}
	now := time.Now().UTC().Add(time.Second)
	for _, agent := range prior {
		if reverted, err := f.board.RecoverStale(ctx, agent.InstanceID, now); err != nil {
			f.logger.Warn("startup recovery failed", "instance_id", agent.InstanceID, "error", err)
		} else if len(reverted) > 0 {
			f.logger.Info("recovered orphaned tasks", "instance_id", agent.InstanceID, "count", len(reverted))
		}
		if err := store.SetAgentStatus(ctx, agent.InstanceID, persistence.AgentStopped, ""); err != nil {
			f.logger.Warn("stop prior agent failed", "instance_id", agent.InstanceID, "error", err)
		}
	}

	for _, role := range f.registry.All() {
		n := role.InitialInstances
		if n > role.MaxInstances {
			n = role.MaxInstances
		}
		for i := 0; i < n; i++ {
			if err := f.spawn(role); err != nil {
				return err
			}
		}
	}

	f.wg.Add(2)
	go f.autoscaler(ctx)
	go f.monitor(ctx)
	return nil
}

// spawn starts one loop for a role. Caller must not hold f.mu.
func (f *Fleet) spawn(role roles.Definition) error {
	prov, err := f.providerFor(role)
	if err != nil {
		return err
	}
	instanceID := shared.NewInstanceID(role.Name)
	loop := NewLoop(instanceID, role, f.board, f.bus, prov,
		func() bool { return f.RolePaused(role.Name) }, f.logger, f.config.Loop)

	f.mu.Lock()
	f.loops[instanceID] = loop
	f.lastScale[role.Name] = time.Now()
	ctx := f.ctx
	f.mu.Unlock()

	loop.Start(ctx)
	f.logger.Info("agent instance spawned", "instance_id", instanceID, "role", role.Name)
	return nil
}

func (f *Fleet) providerFor(role roles.Definition) (provider.Provider, error) {
	name := role.Provider
	if name == "" {
		name = "default"
	}
	prov, ok := f.providers.Get(name)
	if !ok {
		return nil, fmt.Errorf("role %q references unknown provider %q", role.Name, name)
	}
	return prov, nil
}

// retire stops the idle loop of a role that became idle most recently.
func (f *Fleet) retire(roleName string) {
	f.mu.Lock()
	var victim *Loop
	for _, loop := range f.loops {
		if loop.Role() != roleName || loop.Busy() {
			continue
		}
		if victim == nil || loop.IdleSince().After(victim.IdleSince()) {
			victim = loop
		}
	}
	if victim != nil {
		delete(f.loops, victim.InstanceID())
		f.lastScale[roleName] = time.Now()
	}
	f.mu.Unlock()

	if victim != nil {
		victim.Stop()
		f.logger.Info("agent instance retired", "instance_id", victim.InstanceID(), "role", roleName)
	}
}

func (f *Fleet) roleLoops(roleName string) []*Loop {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Loop
	for _, loop := range f.loops {
		if loop.Role() == roleName {
			out = append(out, loop)
		}
	}
	return out
}

// InstanceCount returns the number of live loops for a role.
func (f *Fleet) InstanceCount(roleName string) int {
	return len(f.roleLoops(roleName))
}

// autoscaler grows roles whose queues back up and shrinks roles that sit
// idle, rate-limited per role by the cooldown.
func (f *Fleet) autoscaler(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.config.AutoscaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.autoscaleTick(ctx)
		}
	}
}

func (f *Fleet) autoscaleTick(ctx context.Context) {
	for _, role := range f.registry.All() {
		if !role.AutoScale.Enabled {
			continue
		}
		loops := f.roleLoops(role.Name)

		f.mu.Lock()
		last := f.lastScale[role.Name]
		f.mu.Unlock()
		if time.Since(last) < role.AutoScale.Cooldown {
			continue
		}

		depth, err := f.board.Store().PendingCount(ctx, role.Name)
		if err != nil {
			f.logger.Warn("autoscaler queue depth failed", "role", role.Name, "error", err)
			continue
		}

		if depth > role.AutoScale.ScaleUpThreshold && len(loops) < role.MaxInstances {
			if err := f.spawn(role); err != nil {
				f.logger.Error("autoscale spawn failed", "role", role.Name, "error", err)
			}
			continue
		}

		if len(loops) > 1 {
			allIdle := true
			for _, loop := range loops {
				if loop.Busy() || time.Since(loop.IdleSince()) < role.AutoScale.ScaleDownIdle {
					allIdle = false
					break
				}
			}
			if allIdle && depth == 0 {
				f.retire(role.Name)
			}
		}
	}
}

// monitor is the heartbeat reaper: instances silent past the staleness
// bound are marked stopped and their claims recovered.
func (f *Fleet) monitor(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.config.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reapStale(ctx)
		}
	}
}

func (f *Fleet) reapStale(ctx context.Context) {
	store := f.board.Store()
	cutoff := time.Now().UTC().Add(-f.config.StaleAfter)
	stale, err := store.StaleAgents(ctx, cutoff)
	if err != nil {
		f.logger.Warn("stale agent scan failed", "error", err)
		return
	}
	for _, agent := range stale {
		f.logger.Warn("reaping stale agent", "instance_id", agent.InstanceID, "last_heartbeat", agent.LastHeartbeatAt)
		if err := store.SetAgentStatus(ctx, agent.InstanceID, persistence.AgentStopped, ""); err != nil {
			f.logger.Warn("mark stale agent stopped failed", "instance_id", agent.InstanceID, "error", err)
		}
		if _, err := f.board.RecoverStale(ctx, agent.InstanceID, time.Now().UTC().Add(time.Second)); err != nil {
			f.logger.Warn("stale recovery failed", "instance_id", agent.InstanceID, "error", err)
		}

		// If the wedged instance is one of ours, cut it loose too.
		f.mu.Lock()
		loop, ours := f.loops[agent.InstanceID]
		if ours {
			delete(f.loops, agent.InstanceID)
		}
		f.mu.Unlock()
		if ours {
			go loop.Stop()
		}
	}
}

// PauseRole pauses one role, or every role when name is "all". Loops finish
// their current task and then idle.
func (f *Fleet) PauseRole(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "all" {
		f.pausedAll = true
		return
	}
	f.paused[name] = true
}

// ResumeRole resumes one role or all.
func (f *Fleet) ResumeRole(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "all" {
		f.pausedAll = false
		return
	}
	delete(f.paused, name)
}

// RolePaused reports whether a role's loops should hold between tasks.
func (f *Fleet) RolePaused(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pausedAll || f.paused[name]
}

// BusyCount returns how many loops are mid-execution.
func (f *Fleet) BusyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, loop := range f.loops {
		if loop.Busy() {
			n++
		}
	}
	return n
}

// Stop drains the fleet: pause everything, wait for in-flight tasks up to
// the deadline, then cancel the remaining loops. Returns true when the
// drain finished before the deadline.
func (f *Fleet) Stop(deadline time.Duration) bool {
	f.PauseRole("all")

	clean := true
	waitUntil := time.Now().Add(deadline)
	for f.BusyCount() > 0 {
		if time.Now().After(waitUntil) {
			clean = false
			f.logger.Warn("shutdown deadline exceeded; force-cancelling loops", "busy", f.BusyCount())
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	f.mu.Lock()
	loops := make([]*Loop, 0, len(f.loops))
	for _, loop := range f.loops {
		loops = append(loops, loop)
	}
	f.loops = make(map[string]*Loop)
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Stop()
		}(loop)
	}
	wg.Wait()
	return clean
}

// Wait blocks until the supervisor goroutines exit (after ctx cancels).
func (f *Fleet) Wait() {
	f.wg.Wait()
}
