package engine

import (
	"context"
	"sync"
	"time"

	"github.com/user/larksync/internal/config"
)

// scheduleTick is how often the coordinator re-evaluates due bindings and
// re-reads the configuration.
const scheduleTick = 5 * time.Second

// ConfigSource supplies a fresh configuration snapshot per scheduling pass,
// so interval and topology edits take effect without a restart.
type ConfigSource func() (*config.Config, error)

// Coordinator runs the daemon scheduling loop. Each binding has its own due
// time; at most one cycle per binding is in flight, and a binding that is
// still running when its next slot arrives skips that slot instead of
// queueing behind itself.
type Coordinator struct {
	rt      *Runtime
	source  ConfigSource
	lastCfg *config.Config

	mu       sync.Mutex
	nextDue  map[string]time.Time
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// NewCoordinator builds a coordinator over rt. source is called every pass;
// on error the previous snapshot keeps serving.
func NewCoordinator(rt *Runtime, source ConfigSource) *Coordinator {
	return &Coordinator{
		rt:       rt,
		source:   source,
		nextDue:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

// Run drives the loop until ctx is cancelled, then drains in-flight cycles
// before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(scheduleTick)
	defer ticker.Stop()

	c.pass()
	for {
		select {
		case <-ctx.Done():
			c.rt.Logger.Info("scheduler stopping, draining in-flight cycles")
			c.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			c.pass()
		}
	}
}

func (c *Coordinator) pass() {
	cfg, err := c.source()
	if err != nil {
		c.rt.Logger.Error("config reload failed, keeping previous snapshot", "error", err)
		cfg = c.lastCfg
	} else {
		c.lastCfg = cfg
	}
	if cfg == nil {
		return
	}

	now := time.Now()
	worker := NewWorker(c.rt, cfg.Schema)

	for _, binding := range cfg.Bindings() {
		key := binding.Key()

		c.mu.Lock()
		due, seen := c.nextDue[key]
		if !seen {
			// New bindings run immediately.
			due = now
		}
		if now.Before(due) {
			c.mu.Unlock()
			continue
		}
		if c.inFlight[key] {
			// Previous cycle still running: drop this slot entirely.
			c.nextDue[key] = now.Add(binding.Interval)
			c.mu.Unlock()
			CyclesSkipped.WithLabelValues(binding.Team, binding.Table).Inc()
			c.rt.Logger.Warn("cycle still in flight, skipping slot",
				"binding", key, "interval", binding.Interval.String())
			continue
		}
		c.inFlight[key] = true
		c.nextDue[key] = now.Add(binding.Interval)
		c.mu.Unlock()

		c.wg.Add(1)
		go func(b config.Binding) {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				c.inFlight[b.Key()] = false
				c.mu.Unlock()
			}()

			// Cycles run detached from the scheduling context: shutdown
			// stops dispatching new cycles, but a cycle already started
			// runs to completion so its log entries stay consistent.
			if _, err := worker.RunCycle(context.Background(), b, CycleOptions{}); err != nil {
				c.rt.Logger.Error("cycle failed", "binding", b.Key(), "error", err)
			}
		}(binding)
	}
}
