// Package engine assembles the monitor: collectors, signature pipeline,
// store, scan loop, audit log, and push hub, with one lifecycle for the lot.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/procscope/backend/internal/audit"
	"github.com/procscope/backend/internal/classify"
	"github.com/procscope/backend/internal/collect"
	"github.com/procscope/backend/internal/config"
	"github.com/procscope/backend/internal/hostinfo"
	"github.com/procscope/backend/internal/metrics"
	"github.com/procscope/backend/internal/push"
	"github.com/procscope/backend/internal/scan"
	"github.com/procscope/backend/internal/sigcache"
	"github.com/procscope/backend/internal/sigpool"
	"github.com/procscope/backend/internal/store"
)

const shutdownBudget = 10 * time.Second

// Engine owns every long-lived component of the monitor.
type Engine struct {
	cfg     config.Config
	log     *slog.Logger
	Metrics *metrics.Metrics
	Facts   hostinfo.Facts

	Store *store.Store
	Hub   *push.Hub

	pool    *sigpool.Pool
	auditor *audit.Logger
	orch    *scan.Orchestrator

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped engine. reg may be nil to use the default Prometheus
// registerer; tests pass a fresh registry.
func New(cfg config.Config, reg prometheus.Registerer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	m := metrics.New(reg)
	facts := hostinfo.Collect(context.Background())

	collectors := collect.New(log)
	collectors.SetFailureHook(func(collector string) {
		m.CollectorFailures.WithLabelValues(collector).Inc()
	})
	cache := sigcache.New(cfg.Signatures.CacheSize, cfg.Signatures.CacheTTL())
	pool := sigpool.NewPool(cfg.Signatures.Workers, collectors.CollectSignature, cache, log)
	inline := sigpool.Inline{Collect: collectors.CollectSignature}

	st := store.New(log)
	hub := push.NewHub(st, m, cfg.Push.MaxClients, log)

	auditor := audit.New(cfg.Audit.Path, log)
	auditor.SetHooks(m.AuditEvents.Inc, m.AuditDropped.Inc)

	env := classify.Env{Username: facts.Username, Home: facts.Home}
	orch := scan.New(collectors, pool, inline, st, auditor, m, env, cfg.Scanner, log)

	return &Engine{
		cfg:     cfg,
		log:     log,
		Metrics: m,
		Facts:   facts,
		Store:   st,
		Hub:     hub,
		pool:    pool,
		auditor: auditor,
		orch:    orch,
	}
}

// Start launches the scan loop. A loop failure (orchestrator panic) closes
// the returned channel so the caller can begin shutdown.
func (e *Engine) Start(ctx context.Context) <-chan struct{} {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	e.log.Info("engine starting",
		"component", "engine",
		"workers", e.cfg.Signatures.Workers,
		"process_cap", e.cfg.Scanner.ProcessCap,
		"max_clients", e.cfg.Push.MaxClients)

	go func() {
		defer close(e.done)
		if err := e.orch.Run(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("scan loop failed", "component", "engine", "error", err)
		}
	}()
	return e.done
}

// Stop winds the engine down: scan loop first, then subscribers, the
// signature pool, and finally the audit log flush.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.done:
		case <-time.After(shutdownBudget):
			e.log.Warn("scan loop did not stop within budget", "component", "engine")
		}
	}

	e.Hub.Shutdown()
	e.pool.Shutdown()
	e.auditor.Close()
	e.log.Info("engine stopped", "component", "engine")
}
