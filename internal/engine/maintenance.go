package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/larksync/internal/config"
	"github.com/user/larksync/pkg/fieldproc"
	"github.com/user/larksync/pkg/usermap"
)

const (
	// defaultMaintenanceSchedule runs the window nightly at 03:00.
	defaultMaintenanceSchedule = "0 3 * * *"

	// maintenanceCeiling hard-stops a window that runs away.
	maintenanceCeiling = 120 * time.Minute

	historyRetention = 90 * 24 * time.Hour
)

// Maintenance runs the periodic housekeeping window: pending user
// resolution, duplicate row scans, and history cleanup.
type Maintenance struct {
	rt       *Runtime
	source   ConfigSource
	schedule string
	cron     *cron.Cron
	running  atomic.Bool
}

// NewMaintenance builds the maintenance runner. An empty schedule falls back
// to the nightly default.
func NewMaintenance(rt *Runtime, source ConfigSource, schedule string) *Maintenance {
	if schedule == "" {
		schedule = defaultMaintenanceSchedule
	}
	return &Maintenance{rt: rt, source: source, schedule: schedule}
}

// Start registers the cron entry and begins scheduling. It returns an error
// for an unparseable schedule.
func (m *Maintenance) Start(ctx context.Context) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.schedule, func() {
		if err := m.RunOnce(ctx); err != nil {
			m.rt.Logger.Error("maintenance window failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("engine: bad maintenance schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	m.rt.Logger.Info("maintenance window scheduled", "schedule", m.schedule)
	return nil
}

// Stop halts scheduling and waits for a running window to finish.
func (m *Maintenance) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// InProgress reports whether a window is currently running.
func (m *Maintenance) InProgress() bool {
	return m.running.Load()
}

// RunOnce executes one maintenance window, bounded by the hard ceiling.
// Overlapping invocations are rejected.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: maintenance window already in progress")
	}
	defer m.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, maintenanceCeiling)
	defer cancel()

	started := time.Now()
	m.rt.Logger.Info("maintenance window starting")

	err := m.run(ctx)
	status := "ok"
	if err != nil {
		status = "failed"
	}
	MaintenanceRuns.WithLabelValues(status).Inc()
	m.rt.Logger.Info("maintenance window finished",
		"status", status, "elapsed", time.Since(started).String())
	return err
}

func (m *Maintenance) run(ctx context.Context) error {
	cfg, err := m.source()
	if err != nil {
		return err
	}

	if settled, err := m.rt.Users.ResolvePending(ctx, usermap.DefaultResolveLimit); err != nil {
		m.rt.Logger.Warn("pending user resolution failed", "error", err)
	} else if settled > 0 {
		m.rt.Logger.Info("resolved pending users", "settled", settled)
	}

	for _, binding := range cfg.Bindings() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.scanDuplicates(ctx, cfg, binding); err != nil {
			m.rt.Logger.Warn("duplicate scan failed", "binding", binding.Key(), "error", err)
		}
		if store, err := m.rt.Log(binding.TableID); err == nil {
			if err := store.Vacuum(ctx); err != nil {
				m.rt.Logger.Warn("vacuum failed", "binding", binding.Key(), "error", err)
			}
		}
	}

	if m.rt.History != nil {
		removed, err := m.rt.History.CleanupOld(ctx, time.Now().Add(-historyRetention))
		if err != nil {
			m.rt.Logger.Warn("history cleanup failed", "error", err)
		} else if removed > 0 {
			m.rt.Logger.Info("pruned cycle history", "removed", removed)
		}
	}
	return ctx.Err()
}

// scanDuplicates reports sink rows sharing an identity key. Duplicates come
// from rows created outside the pipeline; they are logged for operators, not
// auto-deleted.
func (m *Maintenance) scanDuplicates(ctx context.Context, cfg *config.Config, binding config.Binding) error {
	appToken, err := m.rt.Sink.ResolveAppToken(ctx, binding.WikiToken)
	if err != nil {
		return err
	}
	columns, err := m.rt.Sink.ListFields(ctx, appToken, binding.TableID)
	if err != nil {
		return err
	}
	plan, err := fieldproc.NewPlan(cfg.Schema, columns, binding.ExcludedFields, m.rt.ServerURL)
	if err != nil {
		return err
	}
	records, err := m.rt.Sink.ListRecords(ctx, appToken, binding.TableID)
	if err != nil {
		return err
	}

	seen := make(map[string][]string)
	for _, record := range records {
		key := identityKey(record, plan.IdentityColumn())
		if key == "" {
			continue
		}
		seen[key] = append(seen[key], record.ID)
	}
	for key, ids := range seen {
		if len(ids) > 1 {
			m.rt.Logger.Warn("duplicate rows for issue",
				"binding", binding.Key(), "issue", key, "records", ids)
		}
	}
	return nil
}
