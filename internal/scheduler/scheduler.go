// Package scheduler keeps mirrored distros up to date by running one rsync
// process per distro at a fixed interval, bounded by a global limit on
// concurrent processes.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/darknightghost/LinuxSourceMirror/internal/metrics"
	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

const (
	defaultTick = 500 * time.Millisecond

	// defaultKillGrace is how long an interrupted process may take to exit
	// before its process group is killed.
	defaultKillGrace = 10 * time.Second
)

// launchFunc starts a sync process for a distro.
type launchFunc func(d *mirror.Distro) (Process, error)

func newRsyncLauncher(cfg *mirror.RsyncConfig, registry *mirror.Registry) launchFunc {
	return func(d *mirror.Distro) (Process, error) {
		root, err := registry.Root(d.Name)
		if err != nil {
			return nil, err
		}
		t, err := StartTask(d.Name, RsyncCommand(cfg, d.URL, root))
		if err != nil {
			return nil, err
		}
		slog.Debug("sync process spawned", "distro", t.Distro(), "pid", t.Pid())
		return t, nil
	}
}

// syncState is the per-distro scheduling state.
type syncState struct {
	distro  *mirror.Distro
	elapsed time.Duration
	task    Process
}

// Scheduler runs sync processes for a set of distros.
//
// All scheduling state is owned by the loop goroutine started by Start.
type Scheduler struct {
	interval  time.Duration
	tick      time.Duration
	killGrace time.Duration
	maxConns  int
	launch    launchFunc
	budget    *semaphore.Weighted

	states   []*syncState
	active   int
	stopping bool

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a Scheduler for every rsync distro in the registry.
func New(cfg *mirror.RsyncConfig, registry *mirror.Registry) *Scheduler {
	var distros []*mirror.Distro
	for _, name := range registry.NamesFor(mirror.ProtocolRsync) {
		d, _ := registry.Lookup(name)
		distros = append(distros, d)
	}
	return newScheduler(cfg, distros, newRsyncLauncher(cfg, registry))
}

func newScheduler(cfg *mirror.RsyncConfig, distros []*mirror.Distro, launch launchFunc) *Scheduler {
	interval := time.Duration(cfg.Interval) * time.Second
	s := &Scheduler{
		interval:  interval,
		tick:      defaultTick,
		killGrace: defaultKillGrace,
		maxConns:  cfg.MaxConnection,
		launch:    launch,
		budget:    semaphore.NewWeighted(int64(cfg.MaxConnection)),
	}
	// every distro is due on the first tick
	for _, d := range distros {
		s.states = append(s.states, &syncState{distro: d, elapsed: interval})
	}
	return s
}

// Name returns the protocol name.
func (s *Scheduler) Name() string {
	return mirror.ProtocolRsync
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.done != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.err = s.run(ctx)
	}()
	return nil
}

// Stop ends the scheduling loop, interrupts every running sync process and
// waits for all of them to exit. It returns the loop's fatal error, if any.
func (s *Scheduler) Stop() error {
	if s.done == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return s.err
}

// Done is closed when the scheduling loop has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal loop error once Done is closed.
func (s *Scheduler) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	slog.Info("sync scheduler started", "distros", len(s.states), "interval", s.interval, "max_connection", s.maxConns)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			slog.Info("sync scheduler stopped")
			return nil
		case <-ticker.C:
		}

		if err := s.safeStep(); err != nil {
			slog.Error("sync scheduler failed", "error", err)
			s.shutdown()
			return err
		}
	}
}

func (s *Scheduler) safeStep() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("sync scheduler loop panicked: %v", r)
		}
	}()
	s.step(s.tick)
	return nil
}

// step runs one scheduling iteration. Polling comes first so that a
// finished task frees its slot for this iteration's admissions.
func (s *Scheduler) step(dt time.Duration) {
	s.poll()

	for _, st := range s.states {
		st.elapsed += dt
	}

	for _, st := range s.states {
		if st.task != nil || st.elapsed < s.interval {
			continue
		}
		if !s.budget.TryAcquire(1) {
			continue
		}
		st.elapsed = 0
		if !s.start(st) {
			s.budget.Release(1)
		}
	}

	metrics.SetSyncTasksActive(s.active)
}

// start launches a task for st. The caller holds a budget slot for it.
func (s *Scheduler) start(st *syncState) bool {
	proc, err := s.launch(st.distro)
	if err != nil {
		slog.Error("failed to start synchronization", "distro", st.distro.Name, "error", err)
		metrics.RecordSyncResult(st.distro.Name, metrics.SyncSpawnError)
		return false
	}
	st.task = proc
	s.active++
	metrics.RecordSyncLaunch(st.distro.Name)
	slog.Info("synchronization started", "distro", st.distro.Name)
	return true
}

// release drops the task of st and frees its slot.
func (s *Scheduler) release(st *syncState) {
	st.task = nil
	s.active--
	s.budget.Release(1)
}

func (s *Scheduler) poll() {
	for _, st := range s.states {
		if st.task == nil {
			continue
		}
		status, exited := st.task.Poll()
		if !exited {
			continue
		}
		s.finish(st, status)
	}
}

// finish handles an exited task of st.
func (s *Scheduler) finish(st *syncState, status ExitStatus) {
	name := st.distro.Name
	switch {
	case status.Success():
		slog.Info("distro synchronized", "distro", name)
		metrics.RecordSyncResult(name, metrics.SyncSuccess)
		st.elapsed = 0
		s.release(st)

	case s.stopping && status.Interrupted():
		slog.Info("synchronization process has been killed", "distro", name)
		metrics.RecordSyncResult(name, metrics.SyncInterrupted)
		s.release(st)

	default:
		logFailure(st.distro, status)
		metrics.RecordSyncResult(name, metrics.SyncFailure)
		if s.stopping {
			s.release(st)
			return
		}

		// relaunch at once, keeping the slot
		st.task = nil
		s.active--
		st.elapsed = 0
		if !s.start(st) {
			s.budget.Release(1)
		}
	}
}

// shutdown interrupts every running task, then reaps them one by one.
// A task still running killGrace after the interrupt is killed.
func (s *Scheduler) shutdown() {
	s.stopping = true
	for _, st := range s.states {
		if st.task == nil {
			continue
		}
		if err := st.task.Interrupt(); err != nil {
			slog.Warn("failed to interrupt synchronization", "distro", st.distro.Name, "error", err)
		}
	}
	for _, st := range s.states {
		if st.task == nil {
			continue
		}
		s.finish(st, waitOrKill(st.task, st.distro.Name, s.killGrace))
	}
	metrics.SetSyncTasksActive(s.active)
}

// waitOrKill waits for an interrupted process, killing it once grace
// has passed.
func waitOrKill(p Process, distro string, grace time.Duration) ExitStatus {
	exited := make(chan ExitStatus, 1)
	go func() {
		exited <- p.Wait()
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case status := <-exited:
		return status
	case <-timer.C:
	}

	slog.Warn("synchronization process ignored interrupt, killing it", "distro", distro, "grace", grace)
	if err := p.Kill(); err != nil {
		slog.Warn("failed to kill synchronization", "distro", distro, "error", err)
	}
	return <-exited
}

func logFailure(d *mirror.Distro, status ExitStatus) {
	attrs := []any{"distro", d.Name, "url", d.URL, "status", status.String()}
	if reason := status.Reason(); reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	slog.Error("synchronization failed", attrs...)
}
