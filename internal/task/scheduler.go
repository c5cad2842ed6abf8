package task

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/pkg/logger"
)

// Task is one unit of background maintenance.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type job struct {
	task  Task
	every time.Duration
}

// Scheduler runs each registered task once when started and then on its own
// interval. Runs of the same task never overlap.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []job
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

func NewScheduler(log *logrus.Entry) *Scheduler {
	return &Scheduler{log: logger.OrDefault(log, "task_scheduler")}
}

// RegisterTask adds a task. Tasks registered after Start are not picked up.
func (s *Scheduler) RegisterTask(task Task, every time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{task: task, every: every})
	s.log.WithFields(logrus.Fields{"task": task.Name(), "every": every.String()}).Info("task registered")
}

// RunOnce runs every task in registration order. A failing task does not stop
// the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, j.task)
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	start := time.Now()
	entry := s.log.WithField("task", t.Name())
	if err := t.Run(ctx); err != nil {
		entry.WithError(err).WithField("duration", time.Since(start).String()).Error("task failed")
		return
	}
	entry.WithField("duration", time.Since(start).String()).Debug("task completed")
}

// Start launches one loop per task. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, j := range s.jobs {
		if j.every <= 0 {
			s.log.WithField("task", j.task.Name()).Warn("task has no interval, skipped")
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.WithField("tasks", len(s.jobs)).Info("scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()
	s.run(ctx, j.task)

	ticker := time.NewTicker(j.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, j.task)
		}
	}
}

// Stop cancels running tasks and waits for every loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}
