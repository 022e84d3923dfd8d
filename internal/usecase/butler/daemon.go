package butler

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one long-running component of a butler process. It blocks until
// ctx is cancelled.
type Task func(ctx context.Context)

// Daemon supervises a butler's long-running components: the heartbeat loop,
// the scheduler tick loop, the route worker, and (on the Switchboard) the
// ingest HTTP server.
type Daemon struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	tasks []namedTask
}

type namedTask struct {
	name string
	run  Task
}

// NewDaemon creates an empty supervisor for the named butler.
func NewDaemon(name string, logger *slog.Logger) *Daemon {
	return &Daemon{name: name, logger: logger}
}

// Add registers a component to run. Must be called before Run.
func (d *Daemon) Add(name string, run Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, namedTask{name: name, run: run})
}

// Run starts every registered component and blocks until ctx is cancelled
// and all of them have returned.
func (d *Daemon) Run(ctx context.Context) {
	d.mu.Lock()
	tasks := make([]namedTask, len(d.tasks))
	copy(tasks, d.tasks)
	d.mu.Unlock()

	d.logger.Info("butler starting", "butler", d.name, "components", len(tasks))

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t namedTask) {
			defer wg.Done()
			d.logger.Debug("component started", "component", t.name)
			t.run(ctx)
			d.logger.Debug("component stopped", "component", t.name)
		}(t)
	}

	<-ctx.Done()
	d.logger.Info("butler stopping", "butler", d.name)
	wg.Wait()
	d.logger.Info("butler stopped", "butler", d.name)
}
