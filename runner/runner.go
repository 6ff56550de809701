package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const defaultTaskInterval = time.Minute

// Task is one periodic maintenance pass. Run returns how many records the
// pass touched so operators can see sweep volume over time.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

type TaskStats struct {
	Runs      int64
	Failures  int64
	Processed int64
	LastRunAt time.Time
	LastError string
}

// Runner drives registered maintenance tasks on independent tickers. Tasks
// never overlap with themselves: a slow pass delays the next tick rather
// than stacking goroutines.
type Runner struct {
	Logger  core.Logger
	Metrics core.MetricsRecorder

	Now func() time.Time

	mu      sync.Mutex
	tasks   []Task
	stats   map[string]*TaskStats
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewRunner(logger core.Logger, metrics core.MetricsRecorder) *Runner {
	return &Runner{
		Logger:  logger,
		Metrics: metrics,
		Now: func() time.Time {
			return time.Now().UTC()
		},
		stats: map[string]*TaskStats{},
	}
}

// Add registers a task. Tasks cannot be added while the runner is started.
func (r *Runner) Add(task Task) error {
	if r == nil {
		return fmt.Errorf("runner: runner is not configured")
	}
	if strings.TrimSpace(task.Name) == "" {
		return fmt.Errorf("runner: task name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("runner: task %q run function is required", task.Name)
	}
	if task.Interval <= 0 {
		task.Interval = defaultTaskInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner: cannot add task %q while running", task.Name)
	}
	for _, existing := range r.tasks {
		if existing.Name == task.Name {
			return fmt.Errorf("runner: task %q is already registered", task.Name)
		}
	}
	r.tasks = append(r.tasks, task)
	if r.stats == nil {
		r.stats = map[string]*TaskStats{}
	}
	r.stats[task.Name] = &TaskStats{}
	return nil
}

// Start launches one ticker loop per task and returns immediately.
func (r *Runner) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runner: runner is not configured")
	}
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner: already started")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("runner: no tasks registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	tasks := append([]Task(nil), r.tasks...)
	r.mu.Unlock()

	for _, task := range tasks {
		r.wg.Add(1)
		go r.loop(runCtx, task)
	}
	if r.Logger != nil {
		r.Logger.Info("runner: maintenance loops started", "tasks", len(tasks))
	}
	return nil
}

// Stop cancels all loops and waits for in-flight passes to finish.
func (r *Runner) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	if r.Logger != nil {
		r.Logger.Info("runner: maintenance loops stopped")
	}
}

// RunOnce executes every registered task a single time, in registration
// order. It exists for deterministic sweeps: startup catch-up and tests.
func (r *Runner) RunOnce(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runner: runner is not configured")
	}
	r.mu.Lock()
	tasks := append([]Task(nil), r.tasks...)
	r.mu.Unlock()

	var firstErr error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runTask(ctx, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of one task's counters.
func (r *Runner) Stats(name string) (TaskStats, bool) {
	if r == nil {
		return TaskStats{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.stats[name]
	if !ok {
		return TaskStats{}, false
	}
	return *stats, true
}

func (r *Runner) loop(ctx context.Context, task Task) {
	defer r.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.runTask(ctx, task); err != nil && ctx.Err() == nil {
				if r.Logger != nil {
					r.Logger.Error("runner: maintenance pass failed",
						"task", task.Name,
						"error", err.Error(),
					)
				}
			}
		}
	}
}

func (r *Runner) runTask(ctx context.Context, task Task) (err error) {
	processed := 0
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("runner: task %s panicked: %v", task.Name, recovered)
		}
		r.record(task.Name, processed, err)
		if err == nil && r.Metrics != nil && processed > 0 {
			r.Metrics.IncCounter(ctx, "ingest.runner."+task.Name+".processed.total", int64(processed), nil)
		}
	}()

	processed, err = task.Run(ctx)
	return err
}

func (r *Runner) record(name string, processed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		r.stats = map[string]*TaskStats{}
	}
	stats, ok := r.stats[name]
	if !ok {
		stats = &TaskStats{}
		r.stats[name] = stats
	}
	stats.Runs++
	stats.LastRunAt = r.now()
	if err != nil {
		stats.Failures++
		stats.LastError = err.Error()
		return
	}
	stats.Processed += int64(processed)
	stats.LastError = ""
}

func (r *Runner) now() time.Time {
	if r != nil && r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
