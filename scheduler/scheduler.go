// Package scheduler runs named background tasks on fixed intervals or once
// after a delay. Tasks receive a context that is cancelled by Stop, and a
// ticker task never overlaps with itself.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/questboard/server/metrics"
	"go.uber.org/zap"
)

var (
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrTaskBusy    = errors.New("scheduler: task already running")
)

// TaskFn is the function signature for scheduled tasks.
type TaskFn func(ctx context.Context) error

// TaskStatus is a snapshot of one ticker task.
type TaskStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	Skipped   int64         `json:"skipped"`
	Running   bool          `json:"running"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFn
	stop     chan struct{}
	running  atomic.Bool

	mu       sync.Mutex
	runs     int64
	failures int64
	skipped  int64
	lastRun  time.Time
	lastErr  string
}

// Scheduler manages periodic and delayed tasks.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*task),
		timers: make(map[string]*time.Timer),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// exec runs fn once with the given timeout (zero means none), recording the
// outcome. Panics are recovered and count as failures.
func (s *Scheduler) exec(name string, timeout time.Duration, fn TaskFn) (err error) {
	ctx := s.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			err = errors.New("task panicked")
			s.logger.Error("scheduler task panicked", zap.String("task", name), zap.Any("recover", r), zap.Stack("stack"))
		}
		metrics.SchedulerRuns.WithLabelValues(name, outcome).Inc()
	}()
	if err = fn(ctx); err != nil {
		outcome = "error"
		s.logger.Error("scheduler task failed", zap.String("task", name), zap.Error(err))
	}
	return err
}

// runTask executes t unless it is already running. It reports false when
// the run was skipped.
func (s *Scheduler) runTask(t *task) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		metrics.SchedulerRuns.WithLabelValues(t.name, "skipped").Inc()
		return false, nil
	}
	defer t.running.Store(false)

	err := s.exec(t.name, t.interval, t.fn)
	t.mu.Lock()
	t.runs++
	t.lastRun = time.Now()
	t.lastErr = ""
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	}
	t.mu.Unlock()
	return true, err
}

// AddTicker registers a task to run on a fixed interval. Each run gets a
// context that expires after one interval. If a task with the same name
// exists, it is replaced. After Stop it is a no-op.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.tasks[name]; ok {
		close(old.stop)
	}
	t := &task{name: name, interval: interval, fn: fn, stop: make(chan struct{})}
	s.tasks[name] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _ = s.runTask(t)
			case <-t.stop:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// AddDelay runs fn once after the given delay, replacing a pending delay of
// the same name.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[name]; ok && old.Stop() {
		s.wg.Done()
	}
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.timers[name] == timer {
			delete(s.timers, name)
		}
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		_ = s.exec(name, 0, fn)
	})
	s.timers[name] = timer
}

// RunNow runs a registered ticker task immediately in the caller's
// goroutine. It fails with ErrTaskBusy if the task is mid-run.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	ran, err := s.runTask(t)
	if !ran {
		return ErrTaskBusy
	}
	return err
}

// Remove stops and removes a ticker or delay task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		close(t.stop)
		delete(s.tasks, name)
	}
	if timer, ok := s.timers[name]; ok {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
}

// Stop cancels every task context, drops pending delays and waits for
// running tasks to return. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	for name, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ListTickers returns the sorted names of all registered ticker tasks.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns a status snapshot of every ticker task, sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		st := TaskStatus{
			Name:      t.name,
			Interval:  t.interval,
			Runs:      t.runs,
			Failures:  t.failures,
			Skipped:   t.skipped,
			Running:   t.running.Load(),
			LastError: t.lastErr,
		}
		if !t.lastRun.IsZero() {
			last := t.lastRun
			st.LastRun = &last
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
